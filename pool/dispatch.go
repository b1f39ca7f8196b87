package pool

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synledger/vdrpool/consensus"
	"github.com/synledger/vdrpool/fullreq"
	"github.com/synledger/vdrpool/poolerr"
	"github.com/synledger/vdrpool/reqstream"
	"github.com/synledger/vdrpool/transport"
	"github.com/synledger/vdrpool/verifier"
	"github.com/synledger/vdrpool/wire"
)

// SubmitRequest drives one prepared request to consensus: reads fan out
// incrementally (request_read_nodes at a time, widening on timeout);
// writes fan out to every validator immediately, per spec.md §4.5 step 3.
// It returns the agreed-upon reply body, or a *poolerr.Error describing
// why consensus was not reached.
func (r *Runner) SubmitRequest(ctx context.Context, pr PreparedRequest) (json.RawMessage, error) {
	r.mu.RLock()
	set := r.set
	r.mu.RUnlock()

	order := reqstream.NodeOrder(pr.ReqID, aliasesOf(set))
	if len(order) == 0 {
		return nil, poolerr.New(poolerr.Config, "submit_request: empty verifier set")
	}

	var netRef transport.Networker
	if err := r.do(ctx, func() { netRef = r.net }); err != nil {
		return nil, err
	}

	facade := newOpNetworker(netRef, order, 16)
	if err := r.do(ctx, func() { r.pending[pr.ReqID] = facade }); err != nil {
		return nil, err
	}
	defer func() {
		_ = r.do(context.Background(), func() {
			delete(r.pending, pr.ReqID)
			facade.closeChans()
			r.releaseNet(netRef)
		})
	}()

	initial := r.cfg.RequestReadNodes
	if pr.Write || initial <= 0 || initial > len(order) {
		initial = len(order)
	}

	raw, aliases, err := r.runConsensus(ctx, facade, set, pr, order, initial)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"reqId": pr.ReqID, "aliases": aliases}).Debug("pool: request reached consensus")
	return raw, nil
}

// runConsensus implements spec.md §4.5's round loop: send to an initial
// fan-out, then on every inbound event or deadline-poll tick, feed the
// consensus.Tracker and widen the fan-out by exactly one alias whenever a
// node's ack deadline lapses or its connection fails. NACK/REJECT never
// widen the fan-out on their own (they are dissent, not absence).
func (r *Runner) runConsensus(ctx context.Context, facade *opNetworker, set *verifier.Set, pr PreparedRequest, order []string, initial int) (json.RawMessage, []string, error) {
	tracker := consensus.NewTracker(set, len(order))
	events := fanIn(facade.chans)

	sent := make(map[string]bool, len(order))
	deadlines := make(map[string]time.Time, len(order))
	nextIdx := 0

	send := func(alias string) {
		sent[alias] = true
		req := wire.Request{ReqID: int64(pr.ReqID), Body: pr.Body}
		if err := facade.Send(ctx, alias, wire.OpRequest, req); err != nil {
			log.WithFields(logrus.Fields{"alias": alias, "err": err}).Debug("pool: request send failed")
			return
		}
		deadlines[alias] = time.Now().Add(r.cfg.AckTimeout)
	}
	for nextIdx < initial {
		send(order[nextIdx])
		nextIdx++
	}

	advance := func() {
		for nextIdx < len(order) {
			alias := order[nextIdx]
			nextIdx++
			if sent[alias] {
				continue
			}
			send(alias)
			return
		}
	}

	poll := r.cfg.DispatchPoll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	terminal := func(outcome consensus.Outcome) (json.RawMessage, []string, error, bool) {
		switch outcome {
		case consensus.Agreed:
			raw, aliases := tracker.Result()
			return raw, aliases, nil, true
		case consensus.Rejected:
			raw, _ := tracker.Result()
			return nil, nil, poolerr.Rejected(raw), true
		case consensus.NoConsensus:
			if raw, ok := tracker.FirstDissent(); ok {
				return nil, nil, poolerr.Rejected(raw), true
			}
			return nil, nil, poolerr.New(poolerr.NoConsensus, "submit_request: fan-out exhausted without quorum"), true
		default:
			return nil, nil, nil, false
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, nil, poolerr.Wrap(poolerr.Timeout, ctx.Err())

		case frame := <-events:
			outcome := consensus.Pending
			widen := false
			var stateProofRaw json.RawMessage
			var stateProofAlias string
			verifiedByStateProof := false
			reqstream.Pump(ctx, frame, pr.ReqID, func(ev reqstream.Event) {
				switch ev.Kind {
				case reqstream.KindACK:
					deadlines[ev.Alias] = time.Now().Add(r.cfg.ReplyTimeout - r.cfg.AckTimeout)
				case reqstream.KindNACK:
					delete(deadlines, ev.Alias)
					outcome = tracker.AddReject(ev.Alias, nil, ev.Reason)
				case reqstream.KindReject:
					delete(deadlines, ev.Alias)
					outcome = tracker.AddReject(ev.Alias, ev.Result, ev.Reason)
				case reqstream.KindReply:
					delete(deadlines, ev.Alias)
					if raw, ok := verifyReplyStateProof(set, pr, ev); ok {
						stateProofRaw, stateProofAlias, verifiedByStateProof = raw, ev.Alias, true
						return
					}
					outcome = tracker.AddReply(ev.Alias, ev.Result)
				case reqstream.KindFailed:
					delete(deadlines, ev.Alias)
					outcome = tracker.AddFailure(ev.Alias)
					widen = true
				}
			})
			if verifiedByStateProof {
				log.WithFields(logrus.Fields{"reqId": pr.ReqID, "alias": stateProofAlias}).Debug("pool: request settled by state proof")
				return stateProofRaw, []string{stateProofAlias}, nil
			}
			if raw, aliases, err, done := terminal(outcome); done {
				return raw, aliases, err
			}
			if widen {
				advance()
			}

		case now := <-ticker.C:
			for alias, dl := range deadlines {
				if !now.After(dl) {
					continue
				}
				delete(deadlines, alias)
				outcome := tracker.AddFailure(alias)
				advance()
				if raw, aliases, err, done := terminal(outcome); done {
					return raw, aliases, err
				}
			}
		}
	}
}

// verifyReplyStateProof attempts the single-reply state-proof consensus
// path (spec.md §4.5 step 2): when pr requested it and the reply carries a
// multiSignature envelope, verify its BLS aggregate signature against the
// verifier set and, if it falls within pr's freshness bounds, accept the
// reply immediately without waiting for further matching replies. Returns
// ok=false whenever the path doesn't apply, so the caller falls back to
// plain fingerprint quorum.
func verifyReplyStateProof(set *verifier.Set, pr PreparedRequest, ev reqstream.Event) (json.RawMessage, bool) {
	if pr.Write || pr.StateProofKey == nil || ev.StateProof == nil {
		return nil, false
	}
	if !withinFreshness(pr) {
		return nil, false
	}
	aggSig, err := hex.DecodeString(ev.StateProof.MultiSig)
	if err != nil {
		return nil, false
	}
	sp := consensus.StateProof{Result: ev.Result, Signers: ev.StateProof.Signers, AggSig: aggSig}
	ok, err := consensus.VerifyStateProof(set, sp)
	if err != nil || !ok {
		return nil, false
	}
	return ev.Result, true
}

// withinFreshness reports whether now falls within pr's requested
// [FromTimestamp, ToTimestamp] window; an unset bound is unconstrained.
func withinFreshness(pr PreparedRequest) bool {
	now := time.Now().Unix()
	if pr.FromTimestamp != nil && now < *pr.FromTimestamp {
		return false
	}
	if pr.ToTimestamp != nil && now > *pr.ToTimestamp {
		return false
	}
	return true
}

// SubmitAction broadcasts a request to an explicit set of aliases (or the
// whole verifier set, when nodes is empty) and returns each alias's
// independent outcome without attempting consensus, per spec.md §4.7.
func (r *Runner) SubmitAction(ctx context.Context, pr PreparedRequest, nodes []string, timeout time.Duration) (map[string]ActionOutcome, error) {
	r.mu.RLock()
	set := r.set
	r.mu.RUnlock()

	targets := nodes
	if len(targets) == 0 {
		targets = aliasesOf(set)
	} else {
		for _, alias := range targets {
			if _, ok := set.ByAlias(alias); !ok {
				return nil, poolerr.New(poolerr.Input, "submit_action: unknown alias "+alias)
			}
		}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var netRef transport.Networker
	if err := r.do(ctx, func() { netRef = r.net }); err != nil {
		return nil, err
	}

	facade := newOpNetworker(netRef, targets, 16)
	if err := r.do(ctx, func() { r.pending[pr.ReqID] = facade }); err != nil {
		return nil, err
	}
	defer func() {
		_ = r.do(context.Background(), func() {
			delete(r.pending, pr.ReqID)
			facade.closeChans()
			r.releaseNet(netRef)
		})
	}()

	dl := fullreq.Deadlines{AckTimeout: r.cfg.AckTimeout, ReplyTimeout: r.cfg.ReplyTimeout}
	outcomes := fullreq.Broadcast(ctx, facade, pr.ReqID, pr.Body, targets, dl)
	result := make(map[string]ActionOutcome, len(outcomes))
	for _, o := range outcomes {
		result[o.Alias] = ActionOutcome{Result: o.Result, Reason: o.Reason, Err: o.Err}
	}
	return result, nil
}
