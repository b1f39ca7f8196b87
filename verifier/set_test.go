package verifier

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"testing"

	bls "github.com/herumi/bls-eth-go-binary/bls"

	"github.com/synledger/vdrpool/txn"
)

type nodeOpts struct {
	alias    string
	services []string
	withBLS  bool
	badPOP   bool
}

func makeNodeTxn(t *testing.T, o nodeOpts) txn.Raw {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	verkey := hex.EncodeToString(priv.Public().(ed25519.PublicKey))

	data := map[string]interface{}{
		"alias":       o.alias,
		"client_ip":   "127.0.0.1",
		"client_port": 9701,
		"node_ip":     "127.0.0.1",
		"node_port":   9702,
		"services":    o.services,
		"verkey":      verkey,
	}

	if o.withBLS {
		var sk bls.SecretKey
		sk.SetByCSPRNG()
		pk := sk.GetPublicKey()
		data["blskey"] = hex.EncodeToString(pk.Serialize())
		if o.badPOP {
			var other bls.SecretKey
			other.SetByCSPRNG()
			sig := other.SignByte([]byte(o.alias))
			data["blskey_pop"] = hex.EncodeToString(sig.Serialize())
		} else {
			sig := sk.SignByte([]byte(o.alias))
			data["blskey_pop"] = hex.EncodeToString(sig.Serialize())
		}
	}

	raw, err := json.Marshal(map[string]interface{}{
		"txnType":         txnTypeNode,
		"protocolVersion": 2,
		"data":            data,
	})
	if err != nil {
		t.Fatalf("marshal node txn: %v", err)
	}
	return txn.Raw(raw)
}

const txnTypeNode = "0"

func TestFromTransactionsDropsNonValidators(t *testing.T) {
	lines := []txn.Raw{
		makeNodeTxn(t, nodeOpts{alias: "Alpha", services: []string{"VALIDATOR"}}),
		makeNodeTxn(t, nodeOpts{alias: "Bravo", services: []string{"OBSERVER"}}),
	}
	set, err := FromTransactions(lines, 0)
	if err != nil {
		t.Fatalf("FromTransactions: %v", err)
	}
	if set.Len() != 1 {
		t.Fatalf("expected 1 validator, got %d", set.Len())
	}
	if _, ok := set.ByAlias("Bravo"); ok {
		t.Fatalf("observer-only alias must be excluded from the active set")
	}
	if _, ok := set.ByAlias("Alpha"); !ok {
		t.Fatalf("validator alias must be present")
	}
}

func TestFromTransactionsLaterOverridesEarlier(t *testing.T) {
	lines := []txn.Raw{
		makeNodeTxn(t, nodeOpts{alias: "Alpha", services: []string{"VALIDATOR"}}),
		makeNodeTxn(t, nodeOpts{alias: "Alpha", services: []string{"OBSERVER"}}),
	}
	set, err := FromTransactions(lines, 0)
	if err == nil || set != nil {
		t.Fatalf("expected empty-set error once the only alias is patched to non-validator, got set=%v err=%v", set, err)
	}
}

func TestFromTransactionsAlphabeticalOrder(t *testing.T) {
	lines := []txn.Raw{
		makeNodeTxn(t, nodeOpts{alias: "Zeta", services: []string{"VALIDATOR"}}),
		makeNodeTxn(t, nodeOpts{alias: "Alpha", services: []string{"VALIDATOR"}}),
		makeNodeTxn(t, nodeOpts{alias: "Mu", services: []string{"VALIDATOR"}}),
	}
	set, err := FromTransactions(lines, 0)
	if err != nil {
		t.Fatalf("FromTransactions: %v", err)
	}
	entries := set.Entries()
	var aliases []string
	for _, e := range entries {
		aliases = append(aliases, e.Alias)
	}
	want := []string{"Alpha", "Mu", "Zeta"}
	for i, a := range want {
		if aliases[i] != a {
			t.Fatalf("alias order = %v, want %v", aliases, want)
		}
	}
}

func TestFromTransactionsWithValidBLSKey(t *testing.T) {
	lines := []txn.Raw{
		makeNodeTxn(t, nodeOpts{alias: "Alpha", services: []string{"VALIDATOR"}, withBLS: true}),
	}
	set, err := FromTransactions(lines, 0)
	if err != nil {
		t.Fatalf("FromTransactions: %v", err)
	}
	e, ok := set.ByAlias("Alpha")
	if !ok || e.BLSKey == nil {
		t.Fatalf("expected a verified bls key for Alpha")
	}
}

func TestFromTransactionsRejectsBadPOP(t *testing.T) {
	lines := []txn.Raw{
		makeNodeTxn(t, nodeOpts{alias: "Alpha", services: []string{"VALIDATOR"}, withBLS: true, badPOP: true}),
	}
	if _, err := FromTransactions(lines, 0); err == nil {
		t.Fatalf("expected an error for a forged bls proof of possession")
	}
}

func TestQuorumFormula(t *testing.T) {
	cases := []struct {
		n    int
		f, m int
	}{
		{1, 0, 1},
		{4, 1, 2},
		{7, 2, 3},
	}
	for _, c := range cases {
		lines := make([]txn.Raw, c.n)
		for i := range lines {
			lines[i] = makeNodeTxn(t, nodeOpts{alias: aliasFor(i), services: []string{"VALIDATOR"}})
		}
		set, err := FromTransactions(lines, 0)
		if err != nil {
			t.Fatalf("FromTransactions(n=%d): %v", c.n, err)
		}
		f, m := set.Quorum()
		if f != c.f || m != c.m {
			t.Fatalf("n=%d: quorum = (%d,%d), want (%d,%d)", c.n, f, m, c.f, c.m)
		}
	}
}

func aliasFor(i int) string {
	return string(rune('A' + i))
}

// Default policy (spec.md §4.2) is to skip a single malformed transaction
// with a warning rather than fail the whole build.
func TestFromTransactionsSkipsMalformedTransactionByDefault(t *testing.T) {
	lines := []txn.Raw{
		makeNodeTxn(t, nodeOpts{alias: "Alpha", services: []string{"VALIDATOR"}}),
		txn.Raw("not json"),
		makeNodeTxn(t, nodeOpts{alias: "Bravo", services: []string{"VALIDATOR"}}),
	}
	set, err := FromTransactions(lines, 0)
	if err != nil {
		t.Fatalf("FromTransactions: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected the malformed line to be skipped and both validators kept, got %d", set.Len())
	}
}

func TestFromTransactionsAbortsOnMalformedTransactionWithPolicyAbort(t *testing.T) {
	lines := []txn.Raw{
		makeNodeTxn(t, nodeOpts{alias: "Alpha", services: []string{"VALIDATOR"}}),
		txn.Raw("not json"),
	}
	if _, err := FromTransactions(lines, 0, txn.PolicyAbort); err == nil {
		t.Fatalf("expected an error for a malformed transaction under PolicyAbort")
	}
}

func TestFromTransactionsEmptyIsConfigError(t *testing.T) {
	if _, err := FromTransactions(nil, 0); err == nil {
		t.Fatalf("expected an error for an empty transaction set")
	}
}

func TestVerifyAggregate(t *testing.T) {
	lines := []txn.Raw{
		makeNodeTxn(t, nodeOpts{alias: "Alpha", services: []string{"VALIDATOR"}, withBLS: true}),
		makeNodeTxn(t, nodeOpts{alias: "Bravo", services: []string{"VALIDATOR"}, withBLS: true}),
	}
	set, err := FromTransactions(lines, 0)
	if err != nil {
		t.Fatalf("FromTransactions: %v", err)
	}
	if _, err := set.VerifyAggregate(nil, []byte("msg"), nil); err == nil {
		t.Fatalf("expected an error when no signer aliases are supplied")
	}
	if _, err := set.VerifyAggregate([]string{"Unknown"}, []byte("msg"), nil); err == nil {
		t.Fatalf("expected an error for an unknown alias")
	}
}
