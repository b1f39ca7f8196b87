package transport

import (
	"context"
	"crypto/ed25519"
	"net"
	"sync"
	"time"
)

// pooledSession wraps a Session with the bookkeeping ConnPool needs to
// reap idle connections, mirroring the teacher's pooledConn
// (core/connection_pool.go).
type pooledSession struct {
	*Session
	addr     string
	lastUsed time.Time
}

// ConnPool manages reusable authenticated sessions keyed by node address.
// Adapted from core/connection_pool.go's ConnPool: same acquire/release/
// reap shape, generalized from a plain net.Conn to an authenticated
// Session so a pooled connection always carries a verified peer identity.
type ConnPool struct {
	dialer    *net.Dialer
	localKey  ed25519.PrivateKey
	mu        sync.Mutex
	sessions  map[string][]*pooledSession
	maxIdle   int
	idleTTL   time.Duration
	closing   chan struct{}
	closeOnce sync.Once
}

// NewConnPool creates a pool that dials with localKey as its handshake
// identity. maxIdle bounds idle sessions kept per address; idleTTL bounds
// how long an idle session may sit before being closed.
func NewConnPool(dialer *net.Dialer, localKey ed25519.PrivateKey, maxIdle int, idleTTL time.Duration) *ConnPool {
	if idleTTL <= 0 {
		idleTTL = time.Minute
	}
	cp := &ConnPool{
		dialer:   dialer,
		localKey: localKey,
		sessions: make(map[string][]*pooledSession),
		maxIdle:  maxIdle,
		idleTTL:  idleTTL,
		closing:  make(chan struct{}),
	}
	go cp.reaper()
	return cp
}

// Acquire returns a session for addr/remoteKey from the pool, or dials and
// handshakes a new one.
func (cp *ConnPool) Acquire(ctx context.Context, addr string, remoteKey ed25519.PublicKey) (*Session, error) {
	cp.mu.Lock()
	list := cp.sessions[addr]
	n := len(list)
	if n > 0 {
		s := list[n-1]
		cp.sessions[addr] = list[:n-1]
		cp.mu.Unlock()
		return s.Session, nil
	}
	cp.mu.Unlock()

	sess, err := Dial(ctx, cp.dialer, addr, cp.localKey, remoteKey)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Release returns sess to the pool for reuse, or closes it once maxIdle is
// reached for addr.
func (cp *ConnPool) Release(addr string, sess *Session) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.maxIdle > 0 && len(cp.sessions[addr]) < cp.maxIdle {
		cp.sessions[addr] = append(cp.sessions[addr], &pooledSession{Session: sess, addr: addr, lastUsed: time.Now()})
		return
	}
	_ = sess.Close()
}

// Close closes every pooled session and stops the reaper.
func (cp *ConnPool) Close() {
	cp.closeOnce.Do(func() {
		close(cp.closing)
		cp.mu.Lock()
		defer cp.mu.Unlock()
		for _, list := range cp.sessions {
			for _, s := range list {
				_ = s.Close()
			}
		}
		cp.sessions = make(map[string][]*pooledSession)
	})
}

// Stats returns the total number of idle sessions held by the pool.
func (cp *ConnPool) Stats() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	count := 0
	for _, list := range cp.sessions {
		count += len(list)
	}
	return count
}

func (cp *ConnPool) reaper() {
	ticker := time.NewTicker(cp.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-cp.idleTTL)
			cp.mu.Lock()
			for addr, list := range cp.sessions {
				i := 0
				for _, s := range list {
					if s.lastUsed.Before(cutoff) {
						_ = s.Close()
						continue
					}
					list[i] = s
					i++
				}
				cp.sessions[addr] = list[:i]
			}
			cp.mu.Unlock()
		case <-cp.closing:
			return
		}
	}
}
