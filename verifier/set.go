// Package verifier builds and holds the verifier set: the fixed roster of
// validator nodes a pool talks to. A Set is immutable once constructed;
// catch-up produces a whole new Set rather than mutating an existing one,
// generalizing the teacher's copy-on-write core.Node.peers map
// (core/network.go) to set-wide granularity.
package verifier

import (
	"crypto/ed25519"
	"fmt"
	"sort"

	bls "github.com/herumi/bls-eth-go-binary/bls"

	"github.com/synledger/vdrpool/poolerr"
	"github.com/synledger/vdrpool/txn"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("verifier: bls init: %w", err))
	}
}

// Entry is one validator's public routing and crypto material.
type Entry struct {
	Alias        string
	ClientAddr   string
	ClientPort   int
	NodeAddr     string
	NodePort     int
	TransportKey ed25519.PublicKey
	BLSKey       *bls.PublicKey // nil if the node never published one
}

// Set is the alphabetically ordered, immutable roster of validators for one
// pool generation.
type Set struct {
	entries []Entry
	byAlias map[string]int
}

// Len returns the number of validators in the set.
func (s *Set) Len() int { return len(s.entries) }

// Entries returns the set's validators in alphabetical alias order. The
// returned slice must not be mutated by the caller.
func (s *Set) Entries() []Entry { return s.entries }

// ByAlias returns the entry for alias and whether it was found.
func (s *Set) ByAlias(alias string) (Entry, bool) {
	i, ok := s.byAlias[alias]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Quorum returns the Byzantine fault tolerance f and the matching-reply
// threshold m = f+1 for this set's size, per the standard f = floor((n-1)/3)
// formula for a fixed validator count.
func (s *Set) Quorum() (f, m int) {
	n := len(s.entries)
	f = (n - 1) / 3
	return f, f + 1
}

// FromTransactions applies an ordered sequence of NODE transactions and
// returns the resulting Set. Non-VALIDATOR descriptors (OBSERVER-only
// nodes) are dropped. A BLS key is only retained after its proof-of-
// possession signature (over the node's own alias) verifies; a missing or
// failing POP is always a hard Incompatible error (an undecodable key or
// POP a hard Config error) regardless of policy, since a
// forged BLS key would otherwise let a single malicious NODE transaction
// corrupt state-proof verification for every future request.
//
// policy controls what happens to a single transaction that fails to
// parse (malformed JSON, unsupported protocol version, bad transport key):
// by default (no policy argument, or txn.PolicySkip) it is dropped with a
// warning log per spec.md §4.2; txn.PolicyAbort instead fails the whole
// build immediately.
func FromTransactions(lines []txn.Raw, maxProtocolVersion int, policy ...txn.Policy) (*Set, error) {
	p := txn.PolicySkip
	if len(policy) > 0 {
		p = policy[0]
	}

	byAlias := make(map[string]*Entry)
	order := make([]string, 0, len(lines))

	for _, raw := range lines {
		nd, err := txn.ParseNode(raw, maxProtocolVersion)
		if err != nil {
			if p == txn.PolicyAbort {
				return nil, err
			}
			log.WithError(err).Warn("verifier: skipping malformed transaction")
			continue
		}
		if nd == nil {
			continue
		}
		if !nd.IsValidator() {
			delete(byAlias, nd.Alias)
			continue
		}

		entry := Entry{
			Alias:        nd.Alias,
			ClientAddr:   nd.ClientAddr,
			ClientPort:   nd.ClientPort,
			NodeAddr:     nd.NodeAddr,
			NodePort:     nd.NodePort,
			TransportKey: nd.TransportKey,
		}
		if len(nd.BLSKey) > 0 {
			pk, err := verifyPOP(nd.Alias, nd.BLSKey, nd.BLSPop)
			if err != nil {
				return nil, err
			}
			entry.BLSKey = pk
		}

		if _, exists := byAlias[nd.Alias]; !exists {
			order = append(order, nd.Alias)
		}
		e := entry
		byAlias[nd.Alias] = &e
	}

	aliases := make([]string, 0, len(byAlias))
	for _, a := range order {
		if _, ok := byAlias[a]; ok {
			aliases = append(aliases, a)
		}
	}
	sort.Strings(aliases)

	set := &Set{
		entries: make([]Entry, 0, len(aliases)),
		byAlias: make(map[string]int, len(aliases)),
	}
	for _, a := range aliases {
		set.byAlias[a] = len(set.entries)
		set.entries = append(set.entries, *byAlias[a])
	}
	if len(set.entries) == 0 {
		return nil, poolerr.New(poolerr.Config, "no validator nodes found in transaction set")
	}
	return set, nil
}

func verifyPOP(alias string, rawKey, pop []byte) (*bls.PublicKey, error) {
	if len(pop) == 0 {
		return nil, poolerr.New(poolerr.Incompatible, fmt.Sprintf("alias %s: bls key published without proof of possession", alias))
	}
	var pk bls.PublicKey
	if err := pk.Deserialize(rawKey); err != nil {
		return nil, poolerr.Wrap(poolerr.Config, fmt.Errorf("alias %s: bls key: %w", alias, err))
	}
	var sig bls.Sign
	if err := sig.Deserialize(pop); err != nil {
		return nil, poolerr.Wrap(poolerr.Config, fmt.Errorf("alias %s: bls pop signature: %w", alias, err))
	}
	if !sig.VerifyByte(&pk, []byte(alias)) {
		return nil, poolerr.New(poolerr.Incompatible, fmt.Sprintf("alias %s: bls proof of possession failed verification", alias))
	}
	return &pk, nil
}

// VerifyAggregate checks a BLS aggregate signature over msg against the
// aggregated public keys of the given aliases, used by consensus to check a
// state proof's multi-signature. Aliases with no BLS key cause an
// Incompatible error, since they cannot have contributed to the aggregate.
func (s *Set) VerifyAggregate(aliases []string, msg, aggSig []byte) (bool, error) {
	if len(aliases) == 0 {
		return false, poolerr.New(poolerr.Input, "no signer aliases supplied")
	}
	var agg bls.PublicKey
	for i, alias := range aliases {
		e, ok := s.ByAlias(alias)
		if !ok {
			return false, poolerr.New(poolerr.Incompatible, fmt.Sprintf("unknown alias %s in signer set", alias))
		}
		if e.BLSKey == nil {
			return false, poolerr.New(poolerr.Incompatible, fmt.Sprintf("alias %s has no bls key", alias))
		}
		if i == 0 {
			agg = *e.BLSKey
		} else {
			agg.Add(e.BLSKey)
		}
	}
	var sig bls.Sign
	if err := sig.Deserialize(aggSig); err != nil {
		return false, poolerr.Wrap(poolerr.Input, err)
	}
	return sig.VerifyByte(&agg, msg), nil
}
