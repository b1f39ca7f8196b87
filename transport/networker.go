package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/synledger/vdrpool/poolerr"
	"github.com/synledger/vdrpool/verifier"
	"github.com/synledger/vdrpool/wire"
)

// Networker is the interface the rest of the pool runner depends on to
// reach validator nodes. reqstream, consensus, catchup and fullreq all talk
// to a Networker, never to *Transport directly, so tests can substitute an
// in-process fake instead of opening real sockets.
type Networker interface {
	// Send delivers frame to the named validator alias. It blocks until the
	// frame is written or ctx is cancelled.
	Send(ctx context.Context, alias string, op wire.Op, payload interface{}) error
	// Responses returns the channel of frames received from alias.
	// Delivery order matches receipt order.
	Responses(alias string) <-chan Frame
	// Aliases returns the known validator aliases in this networker's set.
	Aliases() []string
	// Close tears down all connections.
	Close() error
}

// Frame is a decoded inbound frame tagged with its sender.
type Frame struct {
	Alias   string
	Op      wire.Op
	Payload []byte
	Err     error
}

// Transport is the concrete Networker backed by authenticated TCP sessions,
// one per validator alias, each pumped by its own read goroutine into a
// per-alias channel. Grounded in the teacher's channel-pump idiom from
// core/network.go's Subscribe, generalized from pub/sub topics to
// per-validator duplex sessions.
type Transport struct {
	localKey ed25519.PrivateKey
	pool     *ConnPool

	mu       sync.Mutex
	sessions map[string]*Session
	inbound  map[string]chan Frame
	aliases  []string
	entries  map[string]verifier.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config bounds connection behavior, mirroring the spec-level
// conn_active_timeout knob (IdleTTL); it has no per-connection request
// limit.
type Config struct {
	DialTimeout     time.Duration
	KeepAlive       time.Duration
	MaxIdlePerAlias int
	IdleTTL         time.Duration
	InboundBuffer   int
}

// DefaultConfig matches the pool defaults documented for the transport
// layer: short dial timeout, generous keepalive, small idle pool.
func DefaultConfig() Config {
	return Config{
		DialTimeout:     5 * time.Second,
		KeepAlive:       30 * time.Second,
		MaxIdlePerAlias: 1,
		IdleTTL:         2 * time.Minute,
		InboundBuffer:   64,
	}
}

// New constructs a Transport wired to every validator in set, using
// localKey as the handshake identity for all outbound connections.
func New(set *verifier.Set, localKey ed25519.PrivateKey, cfg Config) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	t := &Transport{
		localKey: localKey,
		pool:     NewConnPool(dialer, localKey, cfg.MaxIdlePerAlias, cfg.IdleTTL),
		sessions: make(map[string]*Session),
		inbound:  make(map[string]chan Frame),
		entries:  make(map[string]verifier.Entry),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, e := range set.Entries() {
		t.aliases = append(t.aliases, e.Alias)
		t.entries[e.Alias] = e
		buf := cfg.InboundBuffer
		if buf <= 0 {
			buf = 1
		}
		t.inbound[e.Alias] = make(chan Frame, buf)
	}
	return t
}

// Aliases returns the validator aliases this Transport knows about.
func (t *Transport) Aliases() []string { return append([]string(nil), t.aliases...) }

// Responses returns the inbound frame channel for alias, or nil if alias is
// unknown.
func (t *Transport) Responses(alias string) <-chan Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inbound[alias]
}

// Send encodes payload under op and writes it to alias's session, dialing
// and handshaking lazily on first use.
func (t *Transport) Send(ctx context.Context, alias string, op wire.Op, payload interface{}) error {
	entry, ok := t.entries[alias]
	if !ok {
		return poolerr.New(poolerr.Input, fmt.Sprintf("unknown validator alias %s", alias))
	}
	sess, err := t.sessionFor(ctx, entry)
	if err != nil {
		return err
	}
	frame, err := wire.Encode(op, payload)
	if err != nil {
		return poolerr.Wrap(poolerr.Input, err)
	}
	if err := sess.WriteFrame(frame); err != nil {
		t.dropSession(alias)
		return err
	}
	return nil
}

func (t *Transport) sessionFor(ctx context.Context, entry verifier.Entry) (*Session, error) {
	t.mu.Lock()
	sess, ok := t.sessions[entry.Alias]
	t.mu.Unlock()
	if ok {
		return sess, nil
	}

	addr := fmt.Sprintf("%s:%d", entry.NodeAddr, entry.NodePort)
	sess, err := t.pool.Acquire(ctx, addr, entry.TransportKey)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.sessions[entry.Alias] = sess
	t.mu.Unlock()

	t.wg.Add(1)
	go t.readLoop(entry.Alias, sess)
	return sess, nil
}

func (t *Transport) dropSession(alias string) {
	t.mu.Lock()
	sess, ok := t.sessions[alias]
	delete(t.sessions, alias)
	t.mu.Unlock()
	if ok {
		_ = sess.Close()
	}
}

// readLoop pumps decoded frames from sess into alias's inbound channel
// until the session closes or the Transport is closed, mirroring the
// teacher's Subscribe goroutine in core/network.go.
func (t *Transport) readLoop(alias string, sess *Session) {
	defer t.wg.Done()
	ch := t.inbound[alias]
	for {
		raw, err := sess.ReadFrame()
		if err != nil {
			select {
			case ch <- Frame{Alias: alias, Err: err}:
			case <-t.ctx.Done():
			}
			t.dropSession(alias)
			return
		}
		env, err := wire.Decode(raw)
		if err != nil {
			select {
			case ch <- Frame{Alias: alias, Err: err}:
			case <-t.ctx.Done():
			}
			continue
		}
		select {
		case ch <- Frame{Alias: alias, Op: env.Op, Payload: env.Payload}:
		case <-t.ctx.Done():
			return
		}
	}
}

// Close cancels all read loops and closes every session and the pool.
func (t *Transport) Close() error {
	t.cancel()
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		sessions = append(sessions, s)
	}
	t.sessions = make(map[string]*Session)
	t.mu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}
	t.pool.Close()
	t.wg.Wait()
	return nil
}
