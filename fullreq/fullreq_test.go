package fullreq

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/synledger/vdrpool/reqstream"
	"github.com/synledger/vdrpool/transport"
	"github.com/synledger/vdrpool/wire"
)

type fakeNet struct {
	aliases []string
	inbound map[string]chan transport.Frame

	mu     sync.Mutex
	sentTo map[string]bool
}

func newFakeNet(aliases []string) *fakeNet {
	n := &fakeNet{aliases: aliases, inbound: make(map[string]chan transport.Frame), sentTo: make(map[string]bool)}
	for _, a := range aliases {
		n.inbound[a] = make(chan transport.Frame, 4)
	}
	return n
}

func (n *fakeNet) Send(ctx context.Context, alias string, op wire.Op, payload interface{}) error {
	n.mu.Lock()
	n.sentTo[alias] = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNet) wasSentTo(alias string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sentTo[alias]
}
func (n *fakeNet) Responses(alias string) <-chan transport.Frame { return n.inbound[alias] }
func (n *fakeNet) Aliases() []string                             { return n.aliases }
func (n *fakeNet) Close() error                                  { return nil }

func (n *fakeNet) deliver(alias string, op wire.Op, reqID reqstream.ID, extra map[string]interface{}) {
	body := map[string]interface{}{"reqId": int64(reqID)}
	for k, v := range extra {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	n.inbound[alias] <- transport.Frame{Alias: alias, Op: op, Payload: raw}
}

// S5: submit_action against exactly 2 named nodes; no entry for the rest.
func TestBroadcastS5NamedNodesOnly(t *testing.T) {
	net := newFakeNet([]string{"Node1", "Node2"})
	reqID := reqstream.NextID()

	go func() {
		net.deliver("Node1", wire.OpReply, reqID, map[string]interface{}{"result": map[string]interface{}{"seqNo": 1}})
		net.deliver("Node2", wire.OpReject, reqID, map[string]interface{}{"reason": "bad signature"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcomes := Broadcast(ctx, net, reqID, json.RawMessage(`{"op":"GET_NYM"}`), []string{"Node1", "Node2"}, Deadlines{})
	if len(outcomes) != 2 {
		t.Fatalf("expected exactly 2 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Alias != "Node1" || outcomes[0].Result == nil {
		t.Fatalf("unexpected Node1 outcome: %+v", outcomes[0])
	}
	if outcomes[1].Alias != "Node2" || outcomes[1].Reason != "bad signature" {
		t.Fatalf("unexpected Node2 outcome: %+v", outcomes[1])
	}
	if !net.wasSentTo("Node1") || !net.wasSentTo("Node2") {
		t.Fatalf("expected a dispatch to both named nodes")
	}
}

func TestBroadcastTimesOutPendingAlias(t *testing.T) {
	net := newFakeNet([]string{"Node1"})
	reqID := reqstream.NextID()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	outcomes := Broadcast(ctx, net, reqID, json.RawMessage(`{}`), []string{"Node1"}, Deadlines{})
	if len(outcomes) != 1 || outcomes[0].Err == nil {
		t.Fatalf("expected a timeout error outcome, got %+v", outcomes)
	}
}

// A ReqACK arriving before AckTimeout extends the per-alias deadline to
// ReplyTimeout (spec.md §4.7), so a reply arriving after AckTimeout but
// before ReplyTimeout still counts rather than timing out.
func TestBroadcastACKExtendsDeadline(t *testing.T) {
	net := newFakeNet([]string{"Node1"})
	reqID := reqstream.NextID()

	go func() {
		time.Sleep(20 * time.Millisecond)
		net.deliver("Node1", wire.OpReqACK, reqID, nil)
		time.Sleep(40 * time.Millisecond)
		net.deliver("Node1", wire.OpReply, reqID, map[string]interface{}{"result": map[string]interface{}{"seqNo": 1}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcomes := Broadcast(ctx, net, reqID, json.RawMessage(`{}`), []string{"Node1"}, Deadlines{AckTimeout: 30 * time.Millisecond, ReplyTimeout: 200 * time.Millisecond})
	if len(outcomes) != 1 || outcomes[0].Err != nil || outcomes[0].Result == nil {
		t.Fatalf("expected the late reply to still succeed after an ACK extension, got %+v", outcomes[0])
	}
}

// Without an intervening ACK, AckTimeout alone bounds the wait even though
// ctx itself has a much longer deadline.
func TestBroadcastAckTimeoutFiresBeforeReply(t *testing.T) {
	net := newFakeNet([]string{"Node1"})
	reqID := reqstream.NextID()

	go func() {
		time.Sleep(80 * time.Millisecond)
		net.deliver("Node1", wire.OpReply, reqID, map[string]interface{}{"result": map[string]interface{}{"seqNo": 1}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcomes := Broadcast(ctx, net, reqID, json.RawMessage(`{}`), []string{"Node1"}, Deadlines{AckTimeout: 20 * time.Millisecond, ReplyTimeout: 200 * time.Millisecond})
	if len(outcomes) != 1 || outcomes[0].Err == nil {
		t.Fatalf("expected the un-ACKed alias to time out at AckTimeout, got %+v", outcomes[0])
	}
}

func TestBroadcastIgnoresFramesForOtherRequests(t *testing.T) {
	net := newFakeNet([]string{"Node1"})
	reqID := reqstream.NextID()
	otherID := reqstream.NextID()

	go func() {
		net.deliver("Node1", wire.OpReply, otherID, map[string]interface{}{"result": map[string]interface{}{"x": 1}})
		net.deliver("Node1", wire.OpReply, reqID, map[string]interface{}{"result": map[string]interface{}{"x": 2}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcomes := Broadcast(ctx, net, reqID, json.RawMessage(`{}`), []string{"Node1"}, Deadlines{})
	if len(outcomes) != 1 || outcomes[0].Result == nil {
		t.Fatalf("expected the matching-reqID reply to be picked up, got %+v", outcomes)
	}
}
