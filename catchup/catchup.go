// Package catchup implements the ledger-status exchange and chunked
// transaction fetch that brings a pool's local Merkle tree up to date with
// the validator set's current transaction count.
//
// Grounded on the teacher's core/replication.go Synchronize/RequestMissing
// range-fetch-and-verify loop, generalized from fixed-size block ranges to
// variable-size transaction ranges bounded by Config.ChunkSize, and from
// RLP block bodies to raw JSON transaction bodies.
package catchup

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/synledger/vdrpool/merkle"
	"github.com/synledger/vdrpool/poolerr"
	"github.com/synledger/vdrpool/transport"
	"github.com/synledger/vdrpool/verifier"
	"github.com/synledger/vdrpool/wire"
)

// Config bounds a catch-up round.
type Config struct {
	// ChunkSize is the maximum number of transactions requested per
	// CATCHUP_REQ.
	ChunkSize int
	// ReadNodes is how many validators' LEDGER_STATUS replies are awaited
	// before picking a target size. The pool sets it from its
	// CatchupReadNodes setting, which is separate from request_read_nodes.
	ReadNodes int
}

// DefaultConfig matches the documented pool defaults.
func DefaultConfig() Config {
	return Config{ChunkSize: 1000, ReadNodes: 4}
}

// Status is one validator's self-reported ledger position.
type Status struct {
	Alias    string
	TxnCount int
	RootHash [32]byte
}

// CollectStatus sends LEDGER_STATUS to the given aliases and waits for
// cfg.ReadNodes replies (or ctx cancellation, whichever comes first),
// returning whatever statuses arrived. Replies are consumed off a merged
// channel rather than round-robin-polled, so the call blocks between
// arrivals instead of spinning.
func CollectStatus(ctx context.Context, net transport.Networker, aliases []string, cfg Config) ([]Status, error) {
	for _, alias := range aliases {
		_ = net.Send(ctx, alias, wire.OpLedgerStatus, wire.LedgerStatus{})
	}

	want := cfg.ReadNodes
	if want > len(aliases) {
		want = len(aliases)
	}
	if want <= 0 {
		return nil, nil
	}

	merged, stop := mergeResponses(net, aliases)
	defer stop()

	var out []Status
	seen := make(map[string]struct{})
	for len(out) < want {
		select {
		case <-ctx.Done():
			if len(out) == 0 {
				return nil, poolerr.Wrap(poolerr.Timeout, ctx.Err())
			}
			return out, nil
		case frame, ok := <-merged:
			if !ok {
				return out, nil
			}
			if frame.Err != nil || frame.Op != wire.OpLedgerStatus {
				continue
			}
			if _, dup := seen[frame.Alias]; dup {
				continue
			}
			var ls wire.LedgerStatus
			if err := json.Unmarshal(frame.Payload, &ls); err != nil {
				continue
			}
			root, err := decodeRoot(ls.RootHash)
			if err != nil {
				continue
			}
			seen[frame.Alias] = struct{}{}
			out = append(out, Status{Alias: frame.Alias, TxnCount: ls.TxnCount, RootHash: root})
		}
	}
	return out, nil
}

// mergeResponses fans every alias's response channel into one, so a
// consumer can block on a single receive instead of polling each alias in
// turn. The returned stop func must be called once the caller is done
// reading to let the pump goroutines exit; it does not close the source
// channels, which remain owned by net.
func mergeResponses(net transport.Networker, aliases []string) (<-chan transport.Frame, func()) {
	out := make(chan transport.Frame, len(aliases)*4+1)
	done := make(chan struct{})
	var wg sync.WaitGroup
	for _, alias := range aliases {
		alias := alias
		ch := net.Responses(alias)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case f, ok := <-ch:
					if !ok {
						return
					}
					select {
					case out <- f:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}()
	}
	stop := func() {
		close(done)
		wg.Wait()
	}
	return out, stop
}

// TargetSize picks the majority-agreed transaction count among statuses: the
// size reported by the largest group of validators sharing both the same
// size and root hash. Ties favor the larger size.
func TargetSize(statuses []Status) (size int, root [32]byte, ok bool) {
	type key struct {
		size int
		root [32]byte
	}
	counts := make(map[key]int)
	for _, s := range statuses {
		counts[key{s.TxnCount, s.RootHash}]++
	}
	best := key{}
	bestCount := 0
	for k, c := range counts {
		if c > bestCount || (c == bestCount && k.size > best.size) {
			best, bestCount = k, c
		}
	}
	if bestCount == 0 {
		return 0, [32]byte{}, false
	}
	return best.size, best.root, true
}

// Run extends tree (a clone owned by the caller) from its current size up
// to targetSize by fetching chunks from the given aliases — every one of
// which has already agreed on (targetSize, targetRoot) via LEDGER_STATUS —
// verifying each chunk's consistency proof before appending. Per spec.md
// §4.6 step 4, the missing range is partitioned into roughly equal chunks
// assigned round-robin across aliases, spreading load across distinct
// nodes rather than fetching the whole range from one; per step 5, a chunk
// that fails its consistency check is retried against a different alias
// before the round gives up. The caller commits the extended tree only
// once Run returns without error, per the pool's atomic-catch-up
// requirement. It also returns the raw transaction bodies appended, in
// sequence order, so the caller can rebuild a verifier set from them — the
// tree itself only retains leaf hashes.
func Run(ctx context.Context, net transport.Networker, aliases []string, tree *merkle.Tree, targetSize int, targetRoot [32]byte, cfg Config) ([]json.RawMessage, error) {
	if len(aliases) == 0 {
		return nil, poolerr.New(poolerr.Config, "catchup: no source aliases available")
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	var appended []json.RawMessage
	aliasIdx := 0
	for tree.Count() < targetSize {
		from := tree.Count()
		to := from + chunkSize
		if to > targetSize {
			to = targetSize
		}

		txns, err := fetchChunk(ctx, net, aliases, &aliasIdx, tree, from, to)
		if err != nil {
			return nil, err
		}
		appended = append(appended, txns...)
	}

	finalRoot, err := tree.RootHash()
	if err != nil {
		return nil, err
	}
	if finalRoot != targetRoot {
		return nil, poolerr.New(poolerr.Connection, "catchup result root does not match target root")
	}
	return appended, nil
}

// fetchChunk fetches and verifies the [from, to) range, trying aliases in
// round-robin order starting at *aliasIdx. Candidates are attempted against
// a scratch clone of tree so a bad chunk never mutates the caller's tree;
// only once a candidate's consistency proof verifies is the chunk replayed
// onto tree itself. On success, *aliasIdx is advanced past the alias that
// served this chunk so the next chunk starts with a different one.
func fetchChunk(ctx context.Context, net transport.Networker, aliases []string, aliasIdx *int, tree *merkle.Tree, from, to int) ([]json.RawMessage, error) {
	oldRoot, rootErr := tree.RootHash()
	haveOld := rootErr == nil

	for attempt := 0; attempt < len(aliases); attempt++ {
		alias := aliases[(*aliasIdx+attempt)%len(aliases)]

		if err := net.Send(ctx, alias, wire.OpCatchupReq, wire.CatchupReq{From: from, To: to}); err != nil {
			continue
		}
		rep, err := awaitCatchupRep(ctx, net, alias)
		if err != nil {
			continue
		}
		if len(rep.Txns) != to-from {
			continue
		}
		proof, err := decodeProof(rep.ConsistencyProof)
		if err != nil {
			continue
		}

		trial := tree.Clone()
		for _, t := range rep.Txns {
			trial.Append(t)
		}
		newRoot, err := trial.RootAt(to)
		if err != nil {
			continue
		}
		if haveOld && !merkle.VerifyConsistency(oldRoot, from, newRoot, to, proof) {
			continue
		}

		for _, t := range rep.Txns {
			tree.Append(t)
		}
		*aliasIdx = (*aliasIdx + attempt + 1) % len(aliases)
		return rep.Txns, nil
	}
	return nil, poolerr.New(poolerr.Connection, "catchup: exhausted all source aliases for range without a valid chunk")
}

func awaitCatchupRep(ctx context.Context, net transport.Networker, alias string) (wire.CatchupRep, error) {
	for {
		select {
		case <-ctx.Done():
			return wire.CatchupRep{}, poolerr.Wrap(poolerr.Timeout, ctx.Err())
		case frame := <-net.Responses(alias):
			if frame.Err != nil {
				return wire.CatchupRep{}, poolerr.Wrap(poolerr.Connection, frame.Err)
			}
			if frame.Op != wire.OpCatchupRep {
				continue
			}
			var rep wire.CatchupRep
			if err := json.Unmarshal(frame.Payload, &rep); err != nil {
				return wire.CatchupRep{}, poolerr.Wrap(poolerr.Connection, err)
			}
			return rep, nil
		}
	}
}

func decodeRoot(s string) ([32]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return [32]byte{}, poolerr.New(poolerr.Connection, "malformed root hash in ledger status")
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func decodeProof(hexes []string) ([][32]byte, error) {
	out := make([][32]byte, len(hexes))
	for i, h := range hexes {
		b, err := hex.DecodeString(h)
		if err != nil || len(b) != 32 {
			return nil, poolerr.New(poolerr.Connection, "malformed consistency proof entry")
		}
		copy(out[i][:], b)
	}
	return out, nil
}

// EnsureTargetKnown is a small guard used by callers that only have a
// verifier.Set (not yet a selected target) to check the set is non-empty
// before starting a catch-up round.
func EnsureTargetKnown(set *verifier.Set) error {
	if set.Len() == 0 {
		return poolerr.New(poolerr.Config, "verifier set is empty")
	}
	return nil
}
