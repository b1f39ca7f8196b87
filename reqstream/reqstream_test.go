package reqstream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/synledger/vdrpool/transport"
	"github.com/synledger/vdrpool/wire"
)

type fakeNet struct {
	aliases []string
	inbound map[string]chan transport.Frame
	failAll bool

	mu   sync.Mutex
	sent []string
}

func newFakeNet(aliases []string) *fakeNet {
	n := &fakeNet{aliases: aliases, inbound: make(map[string]chan transport.Frame)}
	for _, a := range aliases {
		n.inbound[a] = make(chan transport.Frame, 4)
	}
	return n
}

func (n *fakeNet) Send(ctx context.Context, alias string, op wire.Op, payload interface{}) error {
	n.mu.Lock()
	n.sent = append(n.sent, alias)
	n.mu.Unlock()
	if n.failAll {
		return context.DeadlineExceeded
	}
	return nil
}

func (n *fakeNet) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *fakeNet) Responses(alias string) <-chan transport.Frame { return n.inbound[alias] }
func (n *fakeNet) Aliases() []string                             { return n.aliases }
func (n *fakeNet) Close() error                                  { return nil }

func TestNodeOrderIsPermutationAndDeterministic(t *testing.T) {
	aliases := []string{"A", "B", "C", "D", "E"}
	o1 := NodeOrder(ID(42), aliases)
	o2 := NodeOrder(ID(42), aliases)
	if len(o1) != len(aliases) {
		t.Fatalf("expected a permutation of the same length, got %d", len(o1))
	}
	for i, a := range o1 {
		if o2[i] != a {
			t.Fatalf("expected NodeOrder to be deterministic for the same (reqID, aliases): %v vs %v", o1, o2)
		}
	}
	seen := make(map[string]bool)
	for _, a := range o1 {
		seen[a] = true
	}
	for _, a := range aliases {
		if !seen[a] {
			t.Fatalf("expected every original alias to appear exactly once, missing %s", a)
		}
	}
}

func TestNodeOrderVariesByRequestID(t *testing.T) {
	aliases := []string{"A", "B", "C", "D", "E", "F"}
	o1 := NodeOrder(ID(1), aliases)
	o2 := NodeOrder(ID(2), aliases)
	same := true
	for i := range o1 {
		if o1[i] != o2[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("expected different request IDs to usually produce different orderings")
	}
}

func TestPumpDecodesReplyAndIgnoresOtherRequests(t *testing.T) {
	reqID := NextID()
	body, _ := json.Marshal(map[string]interface{}{"reqId": int64(reqID), "result": map[string]interface{}{"seqNo": 1}})
	frame := transport.Frame{Alias: "A", Op: wire.OpReply, Payload: body}

	var got []Event
	Pump(context.Background(), frame, reqID, func(e Event) { got = append(got, e) })
	if len(got) != 1 || got[0].Kind != KindReply {
		t.Fatalf("expected one Reply event, got %+v", got)
	}

	otherBody, _ := json.Marshal(map[string]interface{}{"reqId": int64(reqID) + 1})
	otherFrame := transport.Frame{Alias: "A", Op: wire.OpReply, Payload: otherBody}
	got = nil
	Pump(context.Background(), otherFrame, reqID, func(e Event) { got = append(got, e) })
	if len(got) != 0 {
		t.Fatalf("expected a mismatched reqID to be ignored, got %+v", got)
	}
}

func TestPumpSurfacesTransportFailureAsFailed(t *testing.T) {
	frame := transport.Frame{Alias: "A", Err: context.DeadlineExceeded}
	var got []Event
	Pump(context.Background(), frame, ID(1), func(e Event) { got = append(got, e) })
	if len(got) != 1 || got[0].Kind != KindFailed {
		t.Fatalf("expected a Failed event for a transport error, got %+v", got)
	}
}

func TestSendToAnyAdvancesOnFailure(t *testing.T) {
	net := newFakeNet([]string{"A", "B", "C"})
	net.failAll = true
	reqID := NextID()

	s := SendToAny(context.Background(), net, reqID, json.RawMessage(`{}`), net.Aliases())
	select {
	case ev := <-s.Events():
		if ev.Kind != KindFailed {
			t.Fatalf("expected a Failed event when every send fails, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for a failure event")
	}
}

func TestSendToAllDispatchesToEveryAlias(t *testing.T) {
	net := newFakeNet([]string{"A", "B"})
	reqID := NextID()
	SendToAll(context.Background(), net, reqID, json.RawMessage(`{}`), net.Aliases())
	time.Sleep(20 * time.Millisecond)
	if got := net.sentCount(); got != 2 {
		t.Fatalf("expected a dispatch to both aliases, got %d", got)
	}
}
