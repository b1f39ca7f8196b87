package pool

import (
	"context"

	"github.com/synledger/vdrpool/transport"
	"github.com/synledger/vdrpool/wire"
)

// opNetworker is a transport.Networker facade scoped to one in-flight
// operation (a single submit_request/submit_action call, or one refresh's
// catch-up round). Sends still go straight to the real Transport; reads
// come from per-alias channels the Runner's single dispatch loop feeds,
// since every alias's real inbound channel can only have one consumer and
// the Runner itself is that consumer (see reqstream.Pump's doc comment).
type opNetworker struct {
	real    transport.Networker
	aliases []string
	chans   map[string]chan transport.Frame
}

func newOpNetworker(real transport.Networker, aliases []string, buffer int) *opNetworker {
	if buffer <= 0 {
		buffer = 8
	}
	n := &opNetworker{real: real, aliases: append([]string(nil), aliases...), chans: make(map[string]chan transport.Frame, len(aliases))}
	for _, a := range aliases {
		n.chans[a] = make(chan transport.Frame, buffer)
	}
	return n
}

func (n *opNetworker) Send(ctx context.Context, alias string, op wire.Op, payload interface{}) error {
	return n.real.Send(ctx, alias, op, payload)
}

func (n *opNetworker) Responses(alias string) <-chan transport.Frame { return n.chans[alias] }

func (n *opNetworker) Aliases() []string { return append([]string(nil), n.aliases...) }

// Close is a no-op: the real Transport is owned by the Runner, not by any
// one operation's facade.
func (n *opNetworker) Close() error { return nil }

// closeChans closes every per-alias channel, run only on the Runner's
// dispatch goroutine (the sole writer) once an operation has finished
// consuming frames meant for it.
func (n *opNetworker) closeChans() {
	for _, ch := range n.chans {
		close(ch)
	}
}

// fanIn merges every per-alias channel into one, for consumers (dispatch
// loops) that don't care which alias a frame came from ahead of decoding
// it. Exits once every source channel is closed.
func fanIn(chans map[string]chan transport.Frame) <-chan transport.Frame {
	out := make(chan transport.Frame, len(chans)*4+1)
	remaining := len(chans)
	if remaining == 0 {
		close(out)
		return out
	}
	done := make(chan struct{}, remaining)
	for _, ch := range chans {
		ch := ch
		go func() {
			for f := range ch {
				out <- f
			}
			done <- struct{}{}
		}()
	}
	go func() {
		for i := 0; i < remaining; i++ {
			<-done
		}
		close(out)
	}()
	return out
}
