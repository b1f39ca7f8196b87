// Package transport implements the authenticated, encrypted duplex
// connection a pool runner uses to talk to validator nodes, plus a small
// idle-connection pool on top of it.
//
// Generalizes the teacher's core/network.go Dialer (plain net.Dial over
// TCP) and core/security.go's Encrypt/Decrypt (one-shot XChaCha20-Poly1305
// blob cipher) into a per-frame duplex stream cipher: a Curve25519 ECDH
// handshake derives a session key via HKDF, then every frame is sealed
// independently with XChaCha20-Poly1305 using a monotonically increasing
// nonce counter.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/synledger/vdrpool/poolerr"
)

const (
	maxFrameSize = 16 * 1024 * 1024
	hkdfInfo     = "vdrpool session v1"
)

// handshakeMsg is sent by both sides immediately after the TCP connection
// opens: an ephemeral X25519 public key plus an Ed25519 signature over it,
// binding the ephemeral key to the long-term identity key the genesis file
// published for this node.
type handshakeMsg struct {
	Ephemeral [32]byte
	Sig       []byte
}

// Session wraps a net.Conn with a derived AEAD and per-direction nonce
// counters. Reads and writes are whole frames: a 4-byte big-endian length
// prefix followed by the XChaCha20-Poly1305 sealed payload.
type Session struct {
	conn      net.Conn
	sendNonce uint64
	recvNonce uint64
	sendAEAD  aeadCipher
	recvAEAD  aeadCipher
	remoteKey ed25519.PublicKey
}

type aeadCipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// Dial opens a TCP connection to addr, performs the handshake as the
// initiating side, and returns an authenticated Session. remoteIdentity is
// the Ed25519 transport key the genesis file published for this node; the
// handshake fails closed if the peer's signature does not verify under it.
func Dial(ctx context.Context, dialer *net.Dialer, addr string, localIdentity ed25519.PrivateKey, remoteIdentity ed25519.PublicKey) (*Session, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.Connection, fmt.Errorf("dial %s: %w", addr, err))
	}
	sess, err := handshake(conn, localIdentity, remoteIdentity, true)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

// Accept performs the handshake as the responding side over an already
// accepted connection.
func Accept(conn net.Conn, localIdentity ed25519.PrivateKey, remoteIdentity ed25519.PublicKey) (*Session, error) {
	return handshake(conn, localIdentity, remoteIdentity, false)
}

func handshake(conn net.Conn, localIdentity ed25519.PrivateKey, remoteIdentity ed25519.PublicKey, initiator bool) (*Session, error) {
	var ephPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephPriv[:]); err != nil {
		return nil, poolerr.Wrap(poolerr.Resource, err)
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.Resource, err)
	}
	var ephPubArr [32]byte
	copy(ephPubArr[:], ephPub)

	localSig := ed25519.Sign(localIdentity, ephPubArr[:])
	local := handshakeMsg{Ephemeral: ephPubArr, Sig: localSig}

	var remote handshakeMsg
	var writeErr, readErr error
	if initiator {
		writeErr = writeHandshake(conn, local)
		remote, readErr = readHandshake(conn)
	} else {
		remote, readErr = readHandshake(conn)
		writeErr = writeHandshake(conn, local)
	}
	if writeErr != nil {
		return nil, poolerr.Wrap(poolerr.Connection, writeErr)
	}
	if readErr != nil {
		return nil, poolerr.Wrap(poolerr.Connection, readErr)
	}

	if !ed25519.Verify(remoteIdentity, remote.Ephemeral[:], remote.Sig) {
		return nil, poolerr.New(poolerr.Connection, "handshake signature verification failed")
	}

	shared, err := curve25519.X25519(ephPriv[:], remote.Ephemeral[:])
	if err != nil {
		return nil, poolerr.Wrap(poolerr.Connection, fmt.Errorf("ecdh: %w", err))
	}

	var salt []byte
	if initiator {
		salt = append(append([]byte{}, ephPubArr[:]...), remote.Ephemeral[:]...)
	} else {
		salt = append(append([]byte{}, remote.Ephemeral[:]...), ephPubArr[:]...)
	}

	kdf := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	sendKey := make([]byte, chacha20poly1305.KeySize)
	recvKey := make([]byte, chacha20poly1305.KeySize)
	if initiator {
		if _, err := io.ReadFull(kdf, sendKey); err != nil {
			return nil, poolerr.Wrap(poolerr.Resource, err)
		}
		if _, err := io.ReadFull(kdf, recvKey); err != nil {
			return nil, poolerr.Wrap(poolerr.Resource, err)
		}
	} else {
		if _, err := io.ReadFull(kdf, recvKey); err != nil {
			return nil, poolerr.Wrap(poolerr.Resource, err)
		}
		if _, err := io.ReadFull(kdf, sendKey); err != nil {
			return nil, poolerr.Wrap(poolerr.Resource, err)
		}
	}

	sendAEAD, err := chacha20poly1305.NewX(sendKey)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.Resource, err)
	}
	recvAEAD, err := chacha20poly1305.NewX(recvKey)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.Resource, err)
	}

	return &Session{
		conn:      conn,
		sendAEAD:  sendAEAD,
		recvAEAD:  recvAEAD,
		remoteKey: remoteIdentity,
	}, nil
}

func writeHandshake(conn net.Conn, m handshakeMsg) error {
	buf := make([]byte, 32+2+len(m.Sig))
	copy(buf[:32], m.Ephemeral[:])
	binary.BigEndian.PutUint16(buf[32:34], uint16(len(m.Sig)))
	copy(buf[34:], m.Sig)
	_, err := conn.Write(buf)
	return err
}

func readHandshake(conn net.Conn) (handshakeMsg, error) {
	var head [34]byte
	if _, err := io.ReadFull(conn, head[:]); err != nil {
		return handshakeMsg{}, err
	}
	var m handshakeMsg
	copy(m.Ephemeral[:], head[:32])
	sigLen := binary.BigEndian.Uint16(head[32:34])
	if sigLen == 0 || sigLen > 256 {
		return handshakeMsg{}, errors.New("transport: implausible signature length in handshake")
	}
	m.Sig = make([]byte, sigLen)
	if _, err := io.ReadFull(conn, m.Sig); err != nil {
		return handshakeMsg{}, err
	}
	return m, nil
}

// WriteFrame seals plaintext with the send cipher and writes it length-
// prefixed to the underlying connection.
func (s *Session) WriteFrame(plaintext []byte) error {
	nonce := nonceFor(s.sendAEAD.NonceSize(), s.sendNonce)
	s.sendNonce++
	sealed := s.sendAEAD.Seal(nil, nonce, plaintext, nil)
	if len(sealed) > maxFrameSize {
		return poolerr.New(poolerr.Input, "frame too large to send")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(sealed)))
	if _, err := s.conn.Write(lenBuf[:]); err != nil {
		return poolerr.Wrap(poolerr.Connection, err)
	}
	if _, err := s.conn.Write(sealed); err != nil {
		return poolerr.Wrap(poolerr.Connection, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed sealed frame and opens it with the
// receive cipher.
func (s *Session) ReadFrame() ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(s.conn, lenBuf[:]); err != nil {
		return nil, poolerr.Wrap(poolerr.Connection, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > maxFrameSize {
		return nil, poolerr.New(poolerr.Connection, "implausible frame length on wire")
	}
	sealed := make([]byte, n)
	if _, err := io.ReadFull(s.conn, sealed); err != nil {
		return nil, poolerr.Wrap(poolerr.Connection, err)
	}
	nonce := nonceFor(s.recvAEAD.NonceSize(), s.recvNonce)
	s.recvNonce++
	plaintext, err := s.recvAEAD.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, poolerr.New(poolerr.Connection, "frame authentication failed")
	}
	return plaintext, nil
}

func nonceFor(size int, counter uint64) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], counter)
	return nonce
}

// Close closes the underlying connection.
func (s *Session) Close() error { return s.conn.Close() }

// RemoteKey returns the verified remote identity key for this session.
func (s *Session) RemoteKey() ed25519.PublicKey { return s.remoteKey }
