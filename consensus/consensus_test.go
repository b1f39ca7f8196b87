package consensus

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/synledger/vdrpool/txn"
	"github.com/synledger/vdrpool/verifier"
)

// setOfSize builds a verifier.Set with n distinct aliases and no BLS keys,
// enough to exercise Tracker's quorum math without touching crypto.
func setOfSize(t *testing.T, n int) *verifier.Set {
	t.Helper()
	lines := make([]txn.Raw, n)
	for i := range lines {
		alias := string(rune('A' + i))
		_, priv, err := ed25519.GenerateKey(nil)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		raw, err := json.Marshal(map[string]interface{}{
			"txnType":         "0",
			"protocolVersion": 2,
			"data": map[string]interface{}{
				"alias":       alias,
				"client_ip":   "127.0.0.1",
				"client_port": 9701,
				"node_ip":     "127.0.0.1",
				"node_port":   9702,
				"services":    []string{"VALIDATOR"},
				"verkey":      hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
			},
		})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		lines[i] = raw
	}
	set, err := verifier.FromTransactions(lines, 0)
	if err != nil {
		t.Fatalf("FromTransactions: %v", err)
	}
	return set
}

// S1: 4 validators, 2 identical replies reach quorum (f=1, m=2).
func TestTrackerS1TwoMatchingReplies(t *testing.T) {
	set := setOfSize(t, 4)
	tr := NewTracker(set, 4)

	if o := tr.AddReply("A", json.RawMessage(`{"seqNo":10}`)); o != Pending {
		t.Fatalf("expected Pending after first reply, got %v", o)
	}
	o := tr.AddReply("B", json.RawMessage(`{"seqNo":10}`))
	if o != Agreed {
		t.Fatalf("expected Agreed once 2 of 4 match, got %v", o)
	}
	raw, aliases := tr.Result()
	if string(raw) == "" {
		t.Fatalf("expected a non-empty result body")
	}
	if len(aliases) != 2 || aliases[0] != "A" || aliases[1] != "B" {
		t.Fatalf("unexpected contributing aliases: %v", aliases)
	}
}

// S2: mismatched first replies require a third alias before quorum forms.
func TestTrackerS2MismatchThenQuorum(t *testing.T) {
	set := setOfSize(t, 4)
	tr := NewTracker(set, 4)

	if o := tr.AddReply("A", json.RawMessage(`{"data":null,"seqNo":10}`)); o != Pending {
		t.Fatalf("expected Pending, got %v", o)
	}
	if o := tr.AddReply("B", json.RawMessage(`{"data":null,"seqNo":11}`)); o != Pending {
		t.Fatalf("expected Pending after a mismatching second reply, got %v", o)
	}
	o := tr.AddReply("C", json.RawMessage(`{"data":null,"seqNo":10}`))
	if o != Agreed {
		t.Fatalf("expected Agreed once A and C match, got %v", o)
	}
	_, aliases := tr.Result()
	if len(aliases) != 2 || aliases[0] != "A" || aliases[1] != "C" {
		t.Fatalf("unexpected contributing aliases: %v", aliases)
	}
}

// S4: two identical REQNACKs on a write reach the m=2 dissent threshold
// before any other node answers.
func TestTrackerS4MajorityReject(t *testing.T) {
	set := setOfSize(t, 4)
	tr := NewTracker(set, 4)

	if o := tr.AddReject("A", nil, "bad signature"); o != Pending {
		t.Fatalf("expected Pending after first reject, got %v", o)
	}
	o := tr.AddReject("B", nil, "bad signature")
	if o != Rejected {
		t.Fatalf("expected Rejected once 2 nodes dissent identically, got %v", o)
	}
	body, ok := tr.FirstDissent()
	if !ok {
		t.Fatalf("expected FirstDissent to find a body")
	}
	if string(body) == "" {
		t.Fatalf("expected a non-empty dissent body")
	}
}

func TestTrackerNoConsensusOnExhaustion(t *testing.T) {
	set := setOfSize(t, 4)
	tr := NewTracker(set, 4)

	tr.AddReply("A", json.RawMessage(`{"v":1}`))
	tr.AddFailure("B")
	tr.AddFailure("C")
	o := tr.AddFailure("D")
	if o != NoConsensus {
		t.Fatalf("expected NoConsensus once fan-out is exhausted without quorum, got %v", o)
	}
	if _, ok := tr.FirstDissent(); ok {
		t.Fatalf("expected no dissent body when nodes only timed out")
	}
}

func TestTrackerSingleValidatorQuorum(t *testing.T) {
	set := setOfSize(t, 1)
	f, m := set.Quorum()
	if f != 0 || m != 1 {
		t.Fatalf("expected f=0,m=1 for a single validator, got f=%d m=%d", f, m)
	}
	tr := NewTracker(set, 1)
	o := tr.AddReply("A", json.RawMessage(`{"v":1}`))
	if o != Agreed {
		t.Fatalf("expected a single matching reply to suffice for n=1, got %v", o)
	}
}

func TestTrackerIgnoresDuplicateAliasContribution(t *testing.T) {
	set := setOfSize(t, 4)
	tr := NewTracker(set, 4)
	tr.AddReply("A", json.RawMessage(`{"v":1}`))
	o := tr.AddReply("A", json.RawMessage(`{"v":2}`))
	if o != Pending {
		t.Fatalf("a second contribution from the same alias must not count twice, got %v", o)
	}
}

func TestFingerprintIdempotentAndOrderInsensitive(t *testing.T) {
	a := json.RawMessage(`{"b":2,"a":1,"nested":{"y":2,"x":1}}`)
	b := json.RawMessage(`{"a":1,"nested":{"x":1,"y":2},"b":2}`)
	fa := fingerprint(a)
	fb := fingerprint(b)
	if fa != fb {
		t.Fatalf("expected key-order-insensitive fingerprints to match: %q vs %q", fa, fb)
	}
	if fingerprint(json.RawMessage(fa)) != fa {
		t.Fatalf("expected fingerprint to be idempotent under re-fingerprinting its own output")
	}
}

// Two honest replies carrying distinct per-node reqId/identifier/signature
// fields must still fingerprint-match once those fields are stripped,
// matching spec.md §4.5's canonicalization rule. Without stripping, this
// pair would never reach quorum even though the underlying result agrees.
func TestFingerprintStripsNonDeterministicFields(t *testing.T) {
	a := json.RawMessage(`{
		"reqId": 111,
		"identifier": "NodeA",
		"signature": "aabbcc",
		"result": {"seqNo": 10, "data": "txn-body"}
	}`)
	b := json.RawMessage(`{
		"reqId": 222,
		"identifier": "NodeB",
		"signature": "ddeeff",
		"result": {"data": "txn-body", "seqNo": 10}
	}`)
	fa := fingerprint(a)
	fb := fingerprint(b)
	if fa != fb {
		t.Fatalf("expected replies differing only in reqId/identifier/signature to match: %q vs %q", fa, fb)
	}

	tr := NewTracker(setOfSize(t, 4), 4)
	if o := tr.AddReply("A", a); o != Pending {
		t.Fatalf("expected Pending after first reply, got %v", o)
	}
	if o := tr.AddReply("B", b); o != Agreed {
		t.Fatalf("expected Agreed once the stripped fingerprints match, got %v", o)
	}
}

// A multiSignature wrapper (the BLS state-proof envelope) is also stripped,
// so a plain-quorum comparison doesn't accidentally fail on it when a node
// includes one alongside its result.
func TestFingerprintStripsMultiSignatureWrapper(t *testing.T) {
	a := json.RawMessage(`{"result":{"seqNo":10},"multiSignature":{"value":"sig-a"}}`)
	b := json.RawMessage(`{"result":{"seqNo":10},"multiSignature":{"value":"sig-b"}}`)
	if fingerprint(a) != fingerprint(b) {
		t.Fatalf("expected differing multiSignature wrappers to be stripped before comparison")
	}
}

func TestFingerprintDistinguishesIntAndFloat(t *testing.T) {
	intVal := fingerprint(json.RawMessage(`{"n":10}`))
	floatVal := fingerprint(json.RawMessage(`{"n":10.0}`))
	if intVal == floatVal {
		t.Fatalf("expected 10 and 10.0 to fingerprint differently, both gave %q", intVal)
	}
}
