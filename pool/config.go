// Package pool implements the Pool Runner: the single-owner-goroutine
// component that ties together a verifier set, a transport, the consensus
// and catch-up handlers, and an optional transactions cache into the
// public create/submit/refresh/close API applications use.
//
// Grounded on the teacher's core/network.go Node type, which similarly owns
// a transport and a set of peers behind a single dedicated goroutine that
// serializes state-changing operations through a command channel.
package pool

import (
	"time"

	"github.com/synledger/vdrpool/txn"
)

// Config recognizes the pool options spec.md documents, each with the
// stated default.
type Config struct {
	// ProtocolVersion caps the protocolVersion field accepted in pool
	// transactions; 0 disables the check.
	ProtocolVersion int
	// FreshnessTimeout is how long a read result is considered current
	// before a caller should reissue it. The runner neither enforces nor
	// reports it; GetStatus does not include it.
	FreshnessTimeout time.Duration
	// AckTimeout is the per-node silence limit before a read's fan-out
	// advances to the next candidate alias.
	AckTimeout time.Duration
	// ReplyTimeout is the hard per-node ceiling once a node has ACKed.
	ReplyTimeout time.Duration
	// ConnActiveTimeout bounds idle socket teardown in the transport pool.
	ConnActiveTimeout time.Duration
	// ConnRequestLimit bounds requests per connection before rotation; not
	// yet enforced by transport.ConnPool (see DESIGN.md).
	ConnRequestLimit int
	// RequestReadNodes is the initial fan-out width for read requests.
	RequestReadNodes int

	// GenesisPolicy controls what happens to a single malformed transaction
	// encountered while loading genesis or applying a catch-up batch. The
	// zero value is txn.PolicySkip, spec.md §4.2's documented default.
	GenesisPolicy txn.Policy

	// ChunkSize and ReadNodes bound a catch-up round; see catchup.Config.
	CatchupChunkSize int
	CatchupReadNodes int

	// CacheCapacity and CacheMaxAge bound the transactions cache; zero
	// capacity disables caching entirely.
	CacheCapacity int
	CacheMaxAge   time.Duration

	// DispatchPoll is how often the consensus dispatch loop checks for
	// expired per-alias deadlines. Small relative to AckTimeout/ReplyTimeout
	// so deadline expiry is detected promptly without per-deadline timers.
	DispatchPoll time.Duration
}

// ProtocolNode1_3 and ProtocolNode1_4 name the two recognized protocol
// versions, matching the indy-vdr ledger's wire compatibility levels.
const (
	ProtocolNode1_3 = 1
	ProtocolNode1_4 = 2
)

// DefaultConfig matches the documented pool defaults from spec.md §3.
func DefaultConfig() Config {
	return Config{
		ProtocolVersion:   ProtocolNode1_4,
		FreshnessTimeout:  300 * time.Second,
		AckTimeout:        5 * time.Second,
		ReplyTimeout:      30 * time.Second,
		ConnActiveTimeout: 5 * time.Second,
		ConnRequestLimit:  10,
		RequestReadNodes:  2,
		CatchupChunkSize:  1000,
		CatchupReadNodes:  4,
		CacheCapacity:     16,
		CacheMaxAge:       10 * time.Minute,
		DispatchPoll:      50 * time.Millisecond,
	}
}
