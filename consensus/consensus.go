// Package consensus decides, from the replies a request stream collects,
// whether a quorum of validators agrees on a result. It implements the two
// modes spec.md describes: plain quorum (m = f+1 identical replies)
// and state-proof (a single reply whose embedded BLS aggregate signature
// verifies against the verifier set).
//
// Grounded on the teacher's core/quorum_tracker.go (generic vote counting)
// generalized from a fixed vote threshold to the f = floor((n-1)/3),
// m = f+1 Byzantine formula, and on core/security.go's BLS aggregate
// verification helpers for the state-proof path.
package consensus

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/synledger/vdrpool/poolerr"
	"github.com/synledger/vdrpool/verifier"
)

// Outcome is the terminal result of a consensus round.
type Outcome int

const (
	// Pending means neither a quorum nor a definitive rejection has been
	// reached yet; more replies are needed.
	Pending Outcome = iota
	// Agreed means m nodes returned the same fingerprinted result, or one
	// node returned a verified state proof.
	Agreed
	// Rejected means m nodes returned the same dissenting (REJECT) result.
	Rejected
	// NoConsensus means fan-out is exhausted (every alias has replied,
	// timed out, or failed) without reaching Agreed or Rejected.
	NoConsensus
)

// reply is one node's fingerprinted contribution to the round.
type reply struct {
	alias       string
	fingerprint string
	raw         json.RawMessage
	rejected    bool
}

// Tracker accumulates replies for a single request and evaluates them
// against the verifier set's quorum threshold after each addition.
type Tracker struct {
	set *verifier.Set
	f   int
	m   int

	byFingerprint map[string][]reply
	byAlias       map[string]reply
	failedAliases map[string]struct{}
	totalAliases  int
}

// NewTracker builds a Tracker for totalAliases nodes fanned out to, using
// set's Byzantine quorum (f, m).
func NewTracker(set *verifier.Set, totalAliases int) *Tracker {
	f, m := set.Quorum()
	return &Tracker{
		set:           set,
		f:             f,
		m:             m,
		byFingerprint: make(map[string][]reply),
		byAlias:       make(map[string]reply),
		failedAliases: make(map[string]struct{}),
		totalAliases:  totalAliases,
	}
}

// AddReply records a successful REPLY from alias and returns the updated
// outcome.
func (t *Tracker) AddReply(alias string, result json.RawMessage) Outcome {
	return t.add(alias, reply{alias: alias, fingerprint: fingerprint(result), raw: result, rejected: false})
}

// AddReject records a dissenting reply from alias — a REJECT or a REQNACK,
// which spec.md groups identically as "dissenting" — and returns the
// updated outcome. When result is absent (REQNACK carries only a reason),
// the reason is wrapped so FirstDissent still has a body to surface.
func (t *Tracker) AddReject(alias string, result json.RawMessage, reason string) Outcome {
	fp := "REJECT:" + reason
	raw := result
	if result != nil {
		fp = "REJECT:" + fingerprint(result)
	} else {
		raw, _ = json.Marshal(map[string]string{"reason": reason})
	}
	return t.add(alias, reply{alias: alias, fingerprint: fp, raw: raw, rejected: true})
}

// AddFailure records that alias will not contribute any further reply
// (timeout or connection error; a NACK is recorded with AddReject) and
// returns the updated outcome.
func (t *Tracker) AddFailure(alias string) Outcome {
	if _, ok := t.byAlias[alias]; ok {
		return t.evaluate()
	}
	t.failedAliases[alias] = struct{}{}
	return t.evaluate()
}

func (t *Tracker) add(alias string, r reply) Outcome {
	if _, ok := t.byAlias[alias]; ok {
		return t.evaluate()
	}
	t.byAlias[alias] = r
	t.byFingerprint[r.fingerprint] = append(t.byFingerprint[r.fingerprint], r)
	return t.evaluate()
}

func (t *Tracker) evaluate() Outcome {
	for fp, group := range t.byFingerprint {
		if len(group) >= t.m {
			if group[0].rejected {
				return Rejected
			}
			_ = fp
			return Agreed
		}
	}

	responded := len(t.byAlias) + len(t.failedAliases)
	if responded >= t.totalAliases {
		// Exhausted fan-out without reaching m matching replies of any kind.
		return NoConsensus
	}

	// Some aliases have not answered yet, so the round stays Pending even
	// when no existing fingerprint group can still reach m; NoConsensus is
	// only returned above, once every alias has replied or failed.
	remaining := t.totalAliases - responded
	for _, group := range t.byFingerprint {
		if len(group)+remaining >= t.m {
			return Pending
		}
	}
	if remaining == 0 {
		return NoConsensus
	}
	return Pending
}

// Result returns the winning result (for Agreed) and the aliases that
// contributed it, in alphabetical order. Only meaningful once Result's
// caller has observed Agreed or Rejected from the most recent Add* call.
func (t *Tracker) Result() (raw json.RawMessage, aliases []string) {
	for _, group := range t.byFingerprint {
		if len(group) >= t.m {
			raw = group[0].raw
			for _, r := range group {
				aliases = append(aliases, r.alias)
			}
			sort.Strings(aliases)
			return raw, aliases
		}
	}
	return nil, nil
}

// FirstDissent returns the body of the alphabetically-first alias that
// recorded a dissenting (REJECT/REQNACK) reply, used when fan-out exhausts
// without any group reaching m: spec.md's PoolRequestFailed error surfaces
// this body rather than a bare PoolNoConsensus.
func (t *Tracker) FirstDissent() (json.RawMessage, bool) {
	var firstAlias string
	var firstRaw json.RawMessage
	found := false
	for _, r := range t.byAlias {
		if r.rejected && (!found || r.alias < firstAlias) {
			firstAlias, firstRaw, found = r.alias, r.raw, true
		}
	}
	return firstRaw, found
}

// nonDeterministicKeys lists the object keys spec.md §4.5's canonicalization
// rule says to remove before fingerprinting, because honest validators fill
// them in with per-node values even when they agree on the underlying
// result: the correlating reqId/identifier, the node's own signature over
// its reply, and the BLS multi-signature wrapper the state-proof path
// carries instead.
var nonDeterministicKeys = map[string]bool{
	"reqId":          true,
	"identifier":     true,
	"signature":      true,
	"signatures":     true,
	"multiSignature": true,
}

// fingerprint canonicalizes a JSON result for equality comparison: the
// non-deterministic fields are stripped first, then object keys are sorted
// recursively so that two semantically identical replies serialized with
// different field order (or differing only in a per-node signature/reqId)
// still compare equal.
func fingerprint(raw json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		// Not valid JSON; fall back to byte-exact comparison.
		return string(raw)
	}
	canon := canonicalize(stripNonDeterministic(v))
	out, _ := json.Marshal(canon)
	return string(out)
}

// stripNonDeterministic walks v, a json.Decoder-produced tree, and deletes
// every key in nonDeterministicKeys at any nesting depth, so a field like
// result.identifier or the top-level signature is removed wherever it
// appears rather than only at the top level.
func stripNonDeterministic(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			if nonDeterministicKeys[k] {
				continue
			}
			out[k] = stripNonDeterministic(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = stripNonDeterministic(e)
		}
		return out
	default:
		return val
	}
}

func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case json.Number:
		// UseNumber preserves the literal token text, so "10" and "10.0"
		// keep their distinct int/float representations through encoding,
		// rather than both collapsing to float64(10) the way a plain
		// interface{} unmarshal would.
		return val
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make([]keyValue, 0, len(keys))
		for _, k := range keys {
			ordered = append(ordered, keyValue{k, canonicalize(val[k])})
		}
		return orderedObject(ordered)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

type keyValue struct {
	Key   string
	Value interface{}
}

// orderedObject encodes as one JSON object whose keys appear in slice
// order, so the sorted order canonicalize produces survives marshaling.
type orderedObject []keyValue

func (o orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// StateProof is an alternative single-reply consensus path: a reply
// carrying an aggregate BLS signature over the result from a quorum of
// signer aliases, verified directly against the verifier set instead of by
// collecting m identical replies.
type StateProof struct {
	Result  json.RawMessage
	Signers []string
	AggSig  []byte
}

// VerifyStateProof checks a StateProof's aggregate signature covers at
// least m signer aliases and verifies against the verifier set.
func VerifyStateProof(set *verifier.Set, sp StateProof) (bool, error) {
	_, m := set.Quorum()
	if len(sp.Signers) < m {
		return false, poolerr.New(poolerr.NoConsensus, "state proof has fewer signers than the quorum threshold")
	}
	msg := []byte(fingerprint(sp.Result))
	return set.VerifyAggregate(sp.Signers, msg, sp.AggSig)
}
