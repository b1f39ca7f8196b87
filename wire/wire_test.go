package wire

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		op      Op
		payload interface{}
	}{
		{OpLedgerStatus, LedgerStatus{TxnCount: 5, RootHash: "ab", ProtocolVersion: 2}},
		{OpCatchupReq, CatchupReq{From: 1, To: 10}},
		{OpCatchupRep, CatchupRep{Txns: []json.RawMessage{[]byte(`{"a":1}`)}, ConsistencyProof: []string{"aa", "bb"}}},
		{OpRequest, Request{ReqID: 42, Body: json.RawMessage(`{"op":"GET_NYM"}`)}},
		{OpReqACK, ReqACK{ReqID: 42}},
		{OpReqNACK, ReqNACK{ReqID: 42, Reason: "pool full"}},
		{OpReply, Reply{ReqID: 42, Result: json.RawMessage(`{"seqNo":1}`)}},
		{OpReject, Reject{ReqID: 42, Reason: "bad signature"}},
		{OpPoolLedgerTxns, PoolLedgerTxns{Txns: []json.RawMessage{[]byte(`{}`)}}},
		{OpPing, Ping{}},
		{OpPong, Pong{}},
	}

	for _, c := range cases {
		frame, err := Encode(c.op, c.payload)
		if err != nil {
			t.Fatalf("Encode(%s): %v", c.op, err)
		}
		env, err := Decode(frame)
		if err != nil {
			t.Fatalf("Decode(%s): %v", c.op, err)
		}
		if env.Op != c.op {
			t.Fatalf("op round-trip: got %s want %s", env.Op, c.op)
		}
	}
}

func TestDecodeMalformedFrame(t *testing.T) {
	if _, err := Decode([]byte("not json")); err == nil {
		t.Fatalf("expected an error decoding a malformed frame")
	}
}

func TestReplyPayloadSurvivesRoundTrip(t *testing.T) {
	frame, err := Encode(OpReply, Reply{ReqID: 7, Result: json.RawMessage(`{"data":null,"seqNo":10}`)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	env, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	var rep Reply
	if err := json.Unmarshal(env.Payload, &rep); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if rep.ReqID != 7 || string(rep.Result) != `{"data":null,"seqNo":10}` {
		t.Fatalf("unexpected reply: %+v", rep)
	}
}
