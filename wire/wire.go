// Package wire defines the frame types exchanged over a pool transport
// connection. Every frame is a JSON object with an "op" discriminator field,
// matching the op-tagged message style already used for InboundMsg/Message
// framing in the teacher's network code (core/common_structs.go).
package wire

import "encoding/json"

// Op names a wire-frame's kind.
type Op string

const (
	OpLedgerStatus      Op = "LEDGER_STATUS"
	OpConsistencyProof  Op = "CONSISTENCY_PROOF"
	OpCatchupReq        Op = "CATCHUP_REQ"
	OpCatchupRep        Op = "CATCHUP_REP"
	OpRequest           Op = "REQUEST"
	OpReqACK            Op = "REQACK"
	OpReqNACK           Op = "REQNACK"
	OpReply             Op = "REPLY"
	OpReject            Op = "REJECT"
	OpPoolLedgerTxns    Op = "POOL_LEDGER_TXNS"
	OpPing              Op = "PI"
	OpPong              Op = "PO"
)

// Envelope is the outermost frame shape: every frame has an Op, and the
// payload is re-decoded into a concrete type once Op is known.
type Envelope struct {
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload"`
}

// LedgerStatus announces a peer's current merkle tree size and root, used
// to open a catch-up round.
type LedgerStatus struct {
	TxnCount int    `json:"txnCount"`
	RootHash string `json:"merkleRoot"` // hex-encoded
	ProtocolVersion int `json:"protocolVersion"`
}

// ConsistencyProof carries the sibling hashes proving that an older root is
// a prefix of a newer one.
type ConsistencyProof struct {
	OldSize int      `json:"seqNoStart"`
	NewSize int      `json:"seqNoEnd"`
	Hashes  []string `json:"hashes"` // hex-encoded, in generation order
}

// CatchupReq asks a peer for a contiguous range of transactions.
type CatchupReq struct {
	From int `json:"seqNoStart"`
	To   int `json:"seqNoEnd"`
}

// CatchupRep answers a CatchupReq with raw transaction bodies and a
// consistency proof extending the requester's claimed old root to the new
// one spanning the returned range.
type CatchupRep struct {
	Txns             []json.RawMessage `json:"txns"`
	ConsistencyProof []string          `json:"consProof"`
}

// Request carries a prepared client request body verbatim; nodes echo back
// ReqID in every reply so the requester can correlate.
type Request struct {
	ReqID int64           `json:"reqId"`
	Body  json.RawMessage `json:"body"`
}

// ReqACK/ReqNACK acknowledge receipt of a Request without yet supplying a
// result; ReqNACK carries a human-readable reason (e.g. request pool full).
type ReqACK struct {
	ReqID int64 `json:"reqId"`
}

type ReqNACK struct {
	ReqID  int64  `json:"reqId"`
	Reason string `json:"reason"`
}

// Reply carries a successful result for a prior Request. StateProof is
// populated only when the replying node supports the single-reply
// state-proof path (spec.md §4.5 step 2): an aggregate BLS signature over
// Result from a quorum of signer aliases, carried the way Indy's
// multiSignature.signedState.stateProof wraps a multiSig.
type Reply struct {
	ReqID      int64           `json:"reqId"`
	Result     json.RawMessage `json:"result"`
	StateProof *StateProof     `json:"multiSignature,omitempty"`
}

// StateProof is the BLS multi-signature envelope a Reply may carry instead
// of (or alongside) relying on matching replies from other nodes.
type StateProof struct {
	// Signers lists the aliases whose BLS keys were aggregated into MultiSig.
	Signers []string `json:"signers"`
	// MultiSig is the hex-encoded BLS aggregate signature over Result.
	MultiSig string `json:"multiSig"`
}

// Reject carries a node's rejection of a write request, with the node's own
// reasoning; Reject is itself a valid reply for REJECT-majority detection.
type Reject struct {
	ReqID  int64           `json:"reqId"`
	Reason string          `json:"reason"`
	Result json.RawMessage `json:"result,omitempty"`
}

// PoolLedgerTxns is an unsolicited push of newly committed transactions,
// used by some deployments in place of a polled catch-up round.
type PoolLedgerTxns struct {
	Txns []json.RawMessage `json:"txns"`
}

// Ping/Pong carry no payload; liveness bookkeeping lives in the transport
// layer, not in the frame itself.
type Ping struct{}
type Pong struct{}

// Encode wraps payload in an Envelope tagged with op.
func Encode(op Op, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Op: op, Payload: raw})
}

// Decode splits a raw frame into its Op and still-encoded payload.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(frame, &env)
	return env, err
}
