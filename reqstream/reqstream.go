// Package reqstream implements the per-request event-source state machine:
// given a set of target validator aliases and a Networker, it sends a
// request and translates the REPLY/REJECT/REQACK/REQNACK frames for it into
// events, independent of how many other requests are in flight
// concurrently on the same Networker. Per-node timeouts are tracked by the
// caller (see the pool's dispatch loop), not here.
//
// No direct teacher analog; modeled on the teacher's channel-pump idiom
// from core/network.go's Subscribe (a goroutine reading a channel until
// context cancellation drives the request's lifecycle).
package reqstream

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sort"
	"sync/atomic"
	"time"

	"github.com/synledger/vdrpool/transport"
	"github.com/synledger/vdrpool/wire"
)

// ID identifies one in-flight request, allocated from a process-wide counter
// seeded from wall-clock nanoseconds, mirroring the nanosecond-resolution
// req_id the wire protocol expects.
type ID int64

var counter int64 = time.Now().UnixNano()

// NextID allocates a new monotonically increasing request ID.
func NextID() ID {
	return ID(atomic.AddInt64(&counter, 1))
}

// Event is one observation delivered to a Stream's consumer.
type Event struct {
	Alias string
	Kind  EventKind
	// Result carries the REPLY/REJECT payload; nil for other kinds.
	Result json.RawMessage
	// Reason carries the REJECT/REQNACK reason text.
	Reason string
	// StateProof carries a REPLY's optional BLS multi-signature envelope,
	// nil unless the replying node attached one.
	StateProof *wire.StateProof
}

// EventKind enumerates the frame types a Stream surfaces to its consumer.
type EventKind int

const (
	KindACK EventKind = iota
	KindNACK
	KindReply
	KindReject
	KindTimeout
	KindFailed
)

// Stream drives a single prepared request against a set of aliases over a
// Networker. Its Events channel carries a KindFailed event for each Send
// that returns an error; replies are not read into it (inbound frames are
// translated by Pump instead).
type Stream struct {
	net     transport.Networker
	reqID   ID
	aliases []string
	events  chan Event
}

// Config bounds a request stream's per-node timeouts, matching spec.md's
// ack_timeout/reply_timeout knobs.
type Config struct {
	AckTimeout   time.Duration
	ReplyTimeout time.Duration
}

// DefaultConfig matches the documented pool defaults.
func DefaultConfig() Config {
	return Config{AckTimeout: 5 * time.Second, ReplyTimeout: 30 * time.Second}
}

// NodeOrder returns aliases shuffled deterministically by (reqID, aliases),
// so repeated sends of the same logical request hit nodes in a stable but
// non-alphabetical sequence, avoiding herding all requests onto the
// alphabetically-first validator.
func NodeOrder(reqID ID, aliases []string) []string {
	out := append([]string(nil), aliases...)
	sort.Slice(out, func(i, j int) bool {
		return seedScore(reqID, out[i]) < seedScore(reqID, out[j])
	})
	return out
}

func seedScore(reqID ID, alias string) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(reqID >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte(alias))
	return h.Sum64()
}

// SendToAll dispatches the request body to every given alias immediately.
func SendToAll(ctx context.Context, net transport.Networker, reqID ID, body json.RawMessage, aliases []string) *Stream {
	s := &Stream{net: net, reqID: reqID, aliases: aliases, events: make(chan Event, len(aliases)*2+1)}
	req := wire.Request{ReqID: int64(reqID), Body: body}
	for _, alias := range aliases {
		alias := alias
		go func() {
			if err := net.Send(ctx, alias, wire.OpRequest, req); err != nil {
				s.events <- Event{Alias: alias, Kind: KindFailed, Reason: err.Error()}
			}
		}()
	}
	return s
}

// SendToAny dispatches to aliases in NodeOrder sequence, one at a time,
// advancing to the next alias only when Send to the prior one returns an
// error (reported as a KindFailed event). It stops after the first
// successful Send; it does not wait for a reply or time out a silent node.
// Useful for read requests where a single confirmed reply suffices.
func SendToAny(ctx context.Context, net transport.Networker, reqID ID, body json.RawMessage, aliases []string) *Stream {
	order := NodeOrder(reqID, aliases)
	s := &Stream{net: net, reqID: reqID, aliases: order, events: make(chan Event, len(order)+1)}
	go s.sendSequentially(ctx, body, order)
	return s
}

func (s *Stream) sendSequentially(ctx context.Context, body json.RawMessage, order []string) {
	req := wire.Request{ReqID: int64(s.reqID), Body: body}
	for _, alias := range order {
		if err := s.net.Send(ctx, alias, wire.OpRequest, req); err != nil {
			s.events <- Event{Alias: alias, Kind: KindFailed, Reason: err.Error()}
			continue
		}
		return
	}
}

// Events returns the channel of inbound events for this stream.
func (s *Stream) Events() <-chan Event { return s.events }

// Aliases returns the target aliases for this stream.
func (s *Stream) Aliases() []string { return append([]string(nil), s.aliases...) }

// Pump translates one inbound frame into an Event for reqID and passes it
// to deliver. Frames whose reqId differs are dropped; a frame carrying a
// transport error, or a payload that does not decode, becomes a KindFailed
// event. It reads no channel itself: every Networker.Responses channel has
// a single consumer, the pool runner, which routes frames to in-flight
// requests by reqId (see pool.Runner.route) before they reach Pump.
func Pump(ctx context.Context, frame transport.Frame, reqID ID, deliver func(Event)) {
	var env struct {
		ReqID      int64            `json:"reqId"`
		Reason     string           `json:"reason"`
		Result     json.RawMessage  `json:"result"`
		StateProof *wire.StateProof `json:"multiSignature"`
	}
	if frame.Err != nil {
		deliver(Event{Alias: frame.Alias, Kind: KindFailed, Reason: frame.Err.Error()})
		return
	}
	if err := json.Unmarshal(frame.Payload, &env); err != nil {
		deliver(Event{Alias: frame.Alias, Kind: KindFailed, Reason: "malformed frame: " + err.Error()})
		return
	}
	if ID(env.ReqID) != reqID {
		return
	}
	switch frame.Op {
	case wire.OpReqACK:
		deliver(Event{Alias: frame.Alias, Kind: KindACK})
	case wire.OpReqNACK:
		deliver(Event{Alias: frame.Alias, Kind: KindNACK, Reason: env.Reason})
	case wire.OpReply:
		deliver(Event{Alias: frame.Alias, Kind: KindReply, Result: env.Result, StateProof: env.StateProof})
	case wire.OpReject:
		deliver(Event{Alias: frame.Alias, Kind: KindReject, Result: env.Result, Reason: env.Reason})
	}
}
