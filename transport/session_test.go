package transport

import (
	"crypto/ed25519"
	"net"
	"testing"
	"time"
)

func TestHandshakeAndFrameRoundTrip(t *testing.T) {
	clientPub, clientPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	serverPub, serverPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}

	clientConn, serverConn := net.Pipe()

	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		s, err := handshake(clientConn, clientPriv, serverPub, true)
		clientCh <- result{s, err}
	}()
	go func() {
		s, err := handshake(serverConn, serverPriv, clientPub, false)
		serverCh <- result{s, err}
	}()

	clientRes := waitResult(t, clientCh)
	serverRes := waitResult(t, serverCh)
	if clientRes.err != nil {
		t.Fatalf("client handshake: %v", clientRes.err)
	}
	if serverRes.err != nil {
		t.Fatalf("server handshake: %v", serverRes.err)
	}

	clientSess, serverSess := clientRes.sess, serverRes.sess

	msg := []byte("hello from client")
	writeErr := make(chan error, 1)
	go func() { writeErr <- clientSess.WriteFrame(msg) }()

	got, err := serverSess.ReadFrame()
	if err != nil {
		t.Fatalf("server read frame: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("client write frame: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("frame mismatch: got %q want %q", got, msg)
	}

	// A second frame must use a different nonce and still round-trip.
	msg2 := []byte("second frame")
	go func() { writeErr <- clientSess.WriteFrame(msg2) }()
	got2, err := serverSess.ReadFrame()
	if err != nil {
		t.Fatalf("server read frame 2: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("client write frame 2: %v", err)
	}
	if string(got2) != string(msg2) {
		t.Fatalf("frame 2 mismatch: got %q want %q", got2, msg2)
	}
}

func TestHandshakeRejectsWrongIdentity(t *testing.T) {
	_, clientPriv, _ := ed25519.GenerateKey(nil)
	serverPub, serverPriv, _ := ed25519.GenerateKey(nil)
	wrongPub, _, _ := ed25519.GenerateKey(nil)

	clientConn, serverConn := net.Pipe()

	clientErr := make(chan error, 1)
	serverErr := make(chan error, 1)
	go func() {
		_, err := handshake(clientConn, clientPriv, serverPub, true)
		clientErr <- err
	}()
	go func() {
		// Server expects a different client identity than the one actually used.
		_, err := handshake(serverConn, serverPriv, wrongPub, false)
		serverErr <- err
	}()

	if err := <-serverErr; err == nil {
		t.Fatalf("expected server handshake to reject mismatched client identity")
	}
	<-clientErr
}

func waitResult(t *testing.T, ch chan result) result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handshake result")
		return result{}
	}
}

type result struct {
	sess *Session
	err  error
}
