// Package txn parses the pool transaction log: the genesis file plus any
// NODE transactions appended to it by a catch-up round. A pool transaction
// is an opaque, canonically-ordered JSON object; this package only looks at
// the fields it needs to build a verifier.Set and leaves everything else as
// Raw for callers that want the full record.
package txn

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/synledger/vdrpool/poolerr"
)

// Raw is a single canonical-JSON pool transaction line, exactly as it
// appeared in the genesis file or catch-up reply.
type Raw []byte

// ServiceFlag names a role a node descriptor may advertise.
type ServiceFlag string

const (
	// ServiceValidator marks a node as a voting member of the verifier set.
	ServiceValidator ServiceFlag = "VALIDATOR"
	// ServiceObserver marks a node as catch-up/read-only, excluded from
	// consensus fan-out.
	ServiceObserver ServiceFlag = "OBSERVER"
)

// NodeDescriptor is the parsed `data` payload of a NODE transaction.
type NodeDescriptor struct {
	Alias         string
	ClientAddr    string
	ClientPort    int
	NodeAddr      string
	NodePort      int
	TransportKey  ed25519.PublicKey
	BLSKey        []byte // compressed BLS12-381 public key, or nil
	BLSPop        []byte // proof-of-possession signature over Alias, or nil
	Services      map[ServiceFlag]struct{}
}

// IsValidator reports whether the descriptor advertises the VALIDATOR
// service flag. Nodes lacking it are dropped from the verifier set by
// verifier.FromTransactions.
func (n NodeDescriptor) IsValidator() bool {
	_, ok := n.Services[ServiceValidator]
	return ok
}

type wireNodeData struct {
	Alias    string   `json:"alias"`
	ClientIP string   `json:"client_ip"`
	ClientPort int    `json:"client_port"`
	NodeIP   string   `json:"node_ip"`
	NodePort int      `json:"node_port"`
	Services []string `json:"services"`
	VerKey   string   `json:"verkey"`    // hex-encoded Ed25519 key
	BLSKey   string   `json:"blskey"`    // hex-encoded compressed BLS key
	BLSPop   string   `json:"blskey_pop"`
}

type wireTxn struct {
	Type            string       `json:"txnType"`
	ProtocolVersion int          `json:"protocolVersion"`
	Data            wireNodeData `json:"data"`
}

const txnTypeNode = "0"

// Policy controls how a caller's loader responds to a single transaction
// that fails to parse.
type Policy int

const (
	// PolicySkip drops the one malformed transaction and logs a warning,
	// letting the rest of the batch load normally. This is spec.md §4.2's
	// stated default: "skip with a warning event."
	PolicySkip Policy = iota
	// PolicyAbort fails the whole load on the first malformed transaction.
	PolicyAbort
)

// resolvePolicy returns the caller's chosen policy, or PolicySkip if none
// was supplied.
func resolvePolicy(policy []Policy) Policy {
	if len(policy) == 0 {
		return PolicySkip
	}
	return policy[0]
}

// ParseNode decodes a single raw pool transaction line into a
// NodeDescriptor. It returns (nil, nil) for transaction types other than
// NODE (type "0"), since genesis files may in principle carry other
// transaction types that this client ignores.
func ParseNode(raw Raw, maxProtocolVersion int) (*NodeDescriptor, error) {
	var w wireTxn
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, poolerr.Wrap(poolerr.Config, fmt.Errorf("parse txn: %w", err))
	}
	if w.Type != txnTypeNode {
		return nil, nil
	}
	if maxProtocolVersion > 0 && w.ProtocolVersion > maxProtocolVersion {
		return nil, poolerr.Wrap(poolerr.Config, fmt.Errorf(
			"txn protocol version %d exceeds configured maximum %d",
			w.ProtocolVersion, maxProtocolVersion))
	}

	verKey, err := decodeKey(w.Data.VerKey)
	if err != nil {
		return nil, poolerr.Wrap(poolerr.Config, fmt.Errorf("alias %s: transport key: %w", w.Data.Alias, err))
	}
	if len(verKey) != ed25519.PublicKeySize {
		return nil, poolerr.Wrap(poolerr.Config, fmt.Errorf(
			"alias %s: transport key must be %d bytes, got %d",
			w.Data.Alias, ed25519.PublicKeySize, len(verKey)))
	}

	nd := &NodeDescriptor{
		Alias:        w.Data.Alias,
		ClientAddr:   w.Data.ClientIP,
		ClientPort:   w.Data.ClientPort,
		NodeAddr:     w.Data.NodeIP,
		NodePort:     w.Data.NodePort,
		TransportKey: ed25519.PublicKey(verKey),
		Services:     make(map[ServiceFlag]struct{}, len(w.Data.Services)),
	}
	for _, s := range w.Data.Services {
		nd.Services[ServiceFlag(s)] = struct{}{}
	}

	if w.Data.BLSKey != "" {
		blsKey, err := hex.DecodeString(w.Data.BLSKey)
		if err != nil {
			return nil, poolerr.Wrap(poolerr.Config, fmt.Errorf("alias %s: bls key: %w", w.Data.Alias, err))
		}
		nd.BLSKey = blsKey
	}
	if w.Data.BLSPop != "" {
		pop, err := hex.DecodeString(w.Data.BLSPop)
		if err != nil {
			return nil, poolerr.Wrap(poolerr.Config, fmt.Errorf("alias %s: bls pop: %w", w.Data.Alias, err))
		}
		nd.BLSPop = pop
	}
	return nd, nil
}

func decodeKey(s string) ([]byte, error) {
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("key %q is not valid hex", s)
}

// LoadGenesis reads a genesis transaction file: one JSON object per line,
// UTF-8, blank lines ignored. An empty file is a Config error. Duplicate
// aliases are kept in file order; later NODE transactions for the same
// alias override earlier ones when verifier.FromTransactions applies them
// in order, for a genesis file that itself carries an append history.
//
// Every line is validated up front with ParseNode so a malformed genesis
// file is diagnosed at load time rather than on first use. policy controls
// what happens to a single line that fails to parse: by default (no policy
// argument, or PolicySkip) it is dropped with a warning log per spec.md
// §4.2; PolicyAbort instead fails the whole load immediately.
func LoadGenesis(r io.Reader, maxProtocolVersion int, policy ...Policy) ([]Raw, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var lines []Raw
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, Raw(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, poolerr.Wrap(poolerr.FileSystem, err)
	}
	if len(lines) == 0 {
		return nil, poolerr.New(poolerr.Config, "genesis file contains no transactions")
	}

	p := resolvePolicy(policy)
	kept := make([]Raw, 0, len(lines))
	for _, l := range lines {
		if _, err := ParseNode(l, maxProtocolVersion); err != nil {
			if p == PolicyAbort {
				return nil, err
			}
			log.WithError(err).Warn("txn: skipping malformed genesis transaction")
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		return nil, poolerr.New(poolerr.Config, "genesis file contains no valid transactions")
	}
	return kept, nil
}
