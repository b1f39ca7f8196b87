// Package fullreq implements broadcast-to-named-aliases requests: a caller
// asks every node in an explicit alias list (or the whole verifier set) to
// handle a request independently, and collects a per-alias outcome map
// instead of seeking one quorum-agreed answer.
//
// Grounded on the teacher's core/replication.go ReplicateBlock fan-out
// pattern, generalized from a random √N sample to an explicit, caller-
// supplied alias list with per-alias completion tracking.
package fullreq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/synledger/vdrpool/poolerr"
	"github.com/synledger/vdrpool/reqstream"
	"github.com/synledger/vdrpool/transport"
	"github.com/synledger/vdrpool/wire"
)

// Deadlines bounds how long Broadcast waits on each alias before treating
// it as a Timeout outcome: AckTimeout until the node's first acknowledgment,
// then a fresh ReplyTimeout counted from the moment a ReqACK arrives, per
// spec.md §4.7's note that full-request dispatch extends the deadline on
// ACK. (The pool's consensus dispatch instead moves the deadline to
// ReplyTimeout minus AckTimeout after the ACK.) A zero AckTimeout disables
// that alias's internal deadline, leaving ctx as the only bound; a zero
// ReplyTimeout leaves the AckTimeout deadline unchanged when a ReqACK
// arrives.
type Deadlines struct {
	AckTimeout   time.Duration
	ReplyTimeout time.Duration
}

// Outcome holds one alias's result for a full-request broadcast.
type Outcome struct {
	Alias  string
	Result json.RawMessage
	Reason string
	Err    error
}

// Broadcast sends body to every alias in aliases and waits (subject to
// ctx and, per alias, dl) for each to terminate with either a REPLY or
// REJECT, or to fail. It returns one Outcome per alias, in the same order
// as aliases.
func Broadcast(ctx context.Context, net transport.Networker, reqID reqstream.ID, body json.RawMessage, aliases []string, dl Deadlines) []Outcome {
	req := wire.Request{ReqID: int64(reqID), Body: body}
	outcomes := make([]Outcome, len(aliases))
	var wg sync.WaitGroup

	for i, alias := range aliases {
		i, alias := i, alias
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = awaitOne(ctx, net, alias, reqID, req, dl)
		}()
	}
	wg.Wait()
	return outcomes
}

func awaitOne(ctx context.Context, net transport.Networker, alias string, reqID reqstream.ID, req wire.Request, dl Deadlines) Outcome {
	if err := net.Send(ctx, alias, wire.OpRequest, req); err != nil {
		return Outcome{Alias: alias, Err: err}
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	if dl.AckTimeout > 0 {
		timer = time.NewTimer(dl.AckTimeout)
		timerC = timer.C
		defer timer.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return Outcome{Alias: alias, Err: poolerr.Wrap(poolerr.Timeout, ctx.Err())}
		case <-timerC:
			return Outcome{Alias: alias, Err: poolerr.New(poolerr.Timeout, "no response from "+alias+" within deadline")}
		case frame := <-net.Responses(alias):
			if frame.Err != nil {
				return Outcome{Alias: alias, Err: frame.Err}
			}
			var env struct {
				ReqID  int64           `json:"reqId"`
				Reason string          `json:"reason"`
				Result json.RawMessage `json:"result"`
			}
			if err := json.Unmarshal(frame.Payload, &env); err != nil {
				continue
			}
			if reqstream.ID(env.ReqID) != reqID {
				continue
			}
			switch frame.Op {
			case wire.OpReply:
				return Outcome{Alias: alias, Result: env.Result}
			case wire.OpReject:
				return Outcome{Alias: alias, Reason: env.Reason, Result: env.Result}
			case wire.OpReqNACK:
				return Outcome{Alias: alias, Err: poolerr.New(poolerr.Connection, "request nacked: "+env.Reason)}
			case wire.OpReqACK:
				if timer != nil && dl.ReplyTimeout > 0 {
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(dl.ReplyTimeout)
				}
				continue
			default:
				continue
			}
		}
	}
}

// GetValidatorInfo is a convenience wrapper atop Broadcast that issues a
// validator-info diagnostics request to every alias and returns the raw
// per-node results, recovering the validator-info helper present in the
// original implementation's ledger/requests/validator_info module.
func GetValidatorInfo(ctx context.Context, net transport.Networker, reqID reqstream.ID, body json.RawMessage, aliases []string, dl Deadlines) []Outcome {
	return Broadcast(ctx, net, reqID, body, aliases, dl)
}
