package pool

import (
	"encoding/json"

	"github.com/synledger/vdrpool/reqstream"
)

// PreparedRequest is the caller-supplied unit of work submitted to a pool:
// a signed request body the caller built externally (request construction
// is out of the pool's scope; see spec.md §1), plus the metadata the
// consensus handler needs to process it.
type PreparedRequest struct {
	// Body is the opaque, already-signed request JSON.
	Body json.RawMessage
	// ReqID is allocated by NewPreparedRequest; exposed so callers can
	// correlate logs across a request's lifetime.
	ReqID reqstream.ID
	// Write marks a write (ordering) request: single-reply state-proof
	// verification is disabled and m must be reached by raw fingerprint
	// equality, per spec.md §4.5 step 3.
	Write bool
	// StateProofKey, when set, enables the single-reply state-proof
	// consensus path for a read (see consensus.VerifyStateProof).
	StateProofKey []byte
	// FromTimestamp/ToTimestamp bound the freshness window a state proof
	// must fall within; nil means unbounded on that side.
	FromTimestamp *int64
	ToTimestamp   *int64
}

// NewPreparedRequest allocates a fresh ReqID and wraps body for submission.
func NewPreparedRequest(body json.RawMessage, write bool) PreparedRequest {
	return PreparedRequest{Body: body, ReqID: reqstream.NextID(), Write: write}
}

// WithStateProof enables the single-reply state-proof consensus path for a
// read request: a reply whose BLS multi-signature over its result verifies
// against the verifier set is accepted without waiting for matching replies
// from other nodes. key only switches the path on; it is not looked up in or
// compared against the reply. It is a no-op on a write request, since
// spec.md §4.5 step 3 disables state-proof verification for writes.
func (pr PreparedRequest) WithStateProof(key []byte) PreparedRequest {
	if pr.Write {
		return pr
	}
	pr.StateProofKey = key
	return pr
}

// WithFreshness bounds the wall-clock window a state proof must fall
// within; either bound may be nil to leave that side unbounded.
func (pr PreparedRequest) WithFreshness(from, to *int64) PreparedRequest {
	pr.FromTimestamp = from
	pr.ToTimestamp = to
	return pr
}

// ActionOutcome is one alias's result from SubmitAction, mirroring the
// {alias -> ReplyBody|ReqNACK|Reject|Timeout} map spec.md §6 documents.
type ActionOutcome struct {
	Result json.RawMessage
	Reason string
	Err    error
}
