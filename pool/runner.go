package pool

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/synledger/vdrpool/catchup"
	"github.com/synledger/vdrpool/merkle"
	"github.com/synledger/vdrpool/poolerr"
	"github.com/synledger/vdrpool/reqstream"
	"github.com/synledger/vdrpool/transport"
	"github.com/synledger/vdrpool/txcache"
	"github.com/synledger/vdrpool/txn"
	"github.com/synledger/vdrpool/verifier"
	"github.com/synledger/vdrpool/wire"
)

// Runner is the single-owner-goroutine Pool Runner: it holds the only
// mutable references to a verifier.Set and a transport.Networker, and
// serializes every state change — request registration, refresh, teardown
// — through one command channel, matching spec.md §5's single-threaded
// cooperative scheduling requirement.
type Runner struct {
	cfg      Config
	localKey ed25519.PrivateKey

	mu   sync.RWMutex
	set  *verifier.Set
	tree *merkle.Tree
	txns []txn.Raw
	net  transport.Networker

	cache      *txcache.Cache
	genesisKey txcache.Key

	commands chan func()
	central  chan transport.Frame

	pending   map[reqstream.ID]*opNetworker
	catchupOp *opNetworker
	retiring  []transport.Networker

	closing  chan struct{}
	loopDone chan struct{}
	closeOnce sync.Once
}

// Create bootstraps a Runner from a parsed genesis transaction set,
// optionally adopting a fresher cached verifier set (see txcache) to start
// dialing the last known roster immediately rather than the genesis-only
// one. A real refresh still verifies the chosen roster against the network
// on the caller's first Refresh call.
func Create(genesis []txn.Raw, localKey ed25519.PrivateKey, cfg Config) (*Runner, error) {
	genesisSet, err := verifier.FromTransactions(genesis, cfg.ProtocolVersion, cfg.GenesisPolicy)
	if err != nil {
		return nil, err
	}

	var cache *txcache.Cache
	if cfg.CacheCapacity > 0 {
		cache, err = txcache.New(cfg.CacheCapacity, cfg.CacheMaxAge)
		if err != nil {
			return nil, poolerr.Wrap(poolerr.Resource, err)
		}
	}
	genesisKey := txcache.KeyOf(genesis)

	activeSet := genesisSet
	if cache != nil {
		if cached, ok := cache.Get(genesisKey); ok {
			activeSet = cached
			log.WithField("validators", activeSet.Len()).Debug("pool: adopted cached verifier set")
		}
	}

	leaves := make([][]byte, len(genesis))
	for i, g := range genesis {
		leaves[i] = g
	}
	tree := merkle.FromLeaves(leaves)

	tcfg := transport.DefaultConfig()
	if cfg.ConnActiveTimeout > 0 {
		tcfg.IdleTTL = cfg.ConnActiveTimeout
	}
	net := transport.New(activeSet, localKey, tcfg)

	r := &Runner{
		cfg:        cfg,
		localKey:   localKey,
		set:        activeSet,
		tree:       tree,
		txns:       append([]txn.Raw(nil), genesis...),
		net:        net,
		cache:      cache,
		genesisKey: genesisKey,
		commands:   make(chan func(), 16),
		central:    make(chan transport.Frame, 256),
		pending:    make(map[reqstream.ID]*opNetworker),
		closing:    make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	r.startAliasPumps(net)
	go r.loop()

	log.WithFields(logrus.Fields{"validators": activeSet.Len(), "txns": tree.Count()}).Info("pool: runner created")
	return r, nil
}

// CreateFromReader loads a genesis file and builds a Runner from it, the
// common entry point for CLI and application bootstrap.
func CreateFromReader(genesis io.Reader, localKey ed25519.PrivateKey, cfg Config) (*Runner, error) {
	lines, err := txn.LoadGenesis(genesis, cfg.ProtocolVersion, cfg.GenesisPolicy)
	if err != nil {
		return nil, err
	}
	return Create(lines, localKey, cfg)
}

func (r *Runner) startAliasPumps(net transport.Networker) {
	for _, alias := range net.Aliases() {
		ch := net.Responses(alias)
		go func(ch <-chan transport.Frame) {
			for {
				select {
				case f, ok := <-ch:
					if !ok {
						return
					}
					select {
					case r.central <- f:
					case <-r.closing:
						return
					}
				case <-r.closing:
					return
				}
			}
		}(ch)
	}
}

// loop is the runner's single owned goroutine: it alternates between
// servicing commands (registration, refresh, teardown bookkeeping) and
// routing inbound frames, so no two goroutines ever touch pending,
// catchupOp, retiring, or the current net/set/tree at once.
func (r *Runner) loop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.closing:
			return
		case cmd := <-r.commands:
			cmd()
		case frame := <-r.central:
			r.route(frame)
		}
	}
}

// do schedules fn to run on the runner's owning goroutine and blocks until
// it completes, ctx is cancelled, or the runner is closed.
func (r *Runner) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() { fn(); close(done) }
	select {
	case r.commands <- wrapped:
	case <-r.closing:
		return poolerr.New(poolerr.Unavailable, "pool runner is closed")
	case <-ctx.Done():
		return poolerr.Wrap(poolerr.Timeout, ctx.Err())
	}
	select {
	case <-done:
		return nil
	case <-r.closing:
		return poolerr.New(poolerr.Unavailable, "pool runner is closed")
	case <-ctx.Done():
		return poolerr.Wrap(poolerr.Timeout, ctx.Err())
	}
}

// route delivers one decoded inbound frame to whichever in-flight operation
// it belongs to. REQUEST-family frames (ACK/NACK/REPLY/REJECT) carry a
// reqId and are routed to the matching pending op; LEDGER_STATUS/
// CATCHUP_REP frames carry none and are routed to the single active
// catch-up op instead, since only one Refresh runs at a time. This is the
// demultiplexing point reqstream.Pump's doc comment defers to.
func (r *Runner) route(frame transport.Frame) {
	if frame.Err != nil {
		if r.catchupOp != nil {
			if ch, ok := r.catchupOp.chans[frame.Alias]; ok {
				select {
				case ch <- frame:
				default:
				}
			}
		}
		for _, op := range r.pending {
			if ch, ok := op.chans[frame.Alias]; ok {
				select {
				case ch <- frame:
				default:
				}
			}
		}
		return
	}

	switch frame.Op {
	case wire.OpLedgerStatus, wire.OpCatchupRep:
		if r.catchupOp == nil {
			return
		}
		if ch, ok := r.catchupOp.chans[frame.Alias]; ok {
			select {
			case ch <- frame:
			default:
				log.WithField("alias", frame.Alias).Warn("pool: dropped catch-up frame, receiver full")
			}
		}
	case wire.OpReqACK, wire.OpReqNACK, wire.OpReply, wire.OpReject:
		reqID := decodeReqID(frame)
		op, ok := r.pending[reqID]
		if !ok {
			return
		}
		if ch, ok := op.chans[frame.Alias]; ok {
			select {
			case ch <- frame:
			default:
				log.WithField("alias", frame.Alias).Warn("pool: dropped request frame, receiver full")
			}
		}
	default:
		log.WithFields(logrus.Fields{"op": frame.Op, "alias": frame.Alias}).Debug("pool: dropping unroutable frame")
	}
}

// releaseNet closes a superseded transport once nothing still references
// it: neither the current net, nor any pending request op, nor an active
// catch-up. Called only from the owning goroutine.
func (r *Runner) releaseNet(n transport.Networker) {
	if n == r.net {
		return
	}
	for _, op := range r.pending {
		if op.real == n {
			return
		}
	}
	if r.catchupOp != nil && r.catchupOp.real == n {
		return
	}
	for i, old := range r.retiring {
		if old == n {
			r.retiring = append(r.retiring[:i], r.retiring[i+1:]...)
			_ = old.Close()
			log.Debug("pool: retired superseded transport")
			return
		}
	}
}

// Close tears down the runner: its dispatch loop, its current transport,
// and any transports still retiring after a refresh.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		close(r.closing)
		<-r.loopDone
		_ = r.net.Close()
		for _, n := range r.retiring {
			_ = n.Close()
		}
		log.Info("pool: runner closed")
	})
	return nil
}

// Status summarizes the runner's current ledger position, returned by
// GetStatus.
type Status struct {
	TxnCount      int
	RootHash      string
	VerifierCount int
}

// GetStatus returns the runner's current transaction count, root hash, and
// verifier count.
func (r *Runner) GetStatus() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var rootHex string
	if root, err := r.tree.RootHash(); err == nil {
		rootHex = hex.EncodeToString(root[:])
	}
	return Status{TxnCount: r.tree.Count(), RootHash: rootHex, VerifierCount: r.set.Len()}
}

// GetTransactions returns a copy of every pool transaction the runner has
// observed, genesis plus any catch-up.
func (r *Runner) GetTransactions() []txn.Raw {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]txn.Raw, len(r.txns))
	copy(out, r.txns)
	return out
}

// VerifierInfo is the public projection of a verifier.Entry returned by
// GetVerifiers.
type VerifierInfo struct {
	Alias      string
	ClientAddr string
	ClientPort int
	NodeAddr   string
	NodePort   int
	HasBLSKey  bool
}

// GetVerifiers returns the runner's current verifier roster.
func (r *Runner) GetVerifiers() []VerifierInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.set.Entries()
	out := make([]VerifierInfo, len(entries))
	for i, e := range entries {
		out[i] = VerifierInfo{
			Alias: e.Alias, ClientAddr: e.ClientAddr, ClientPort: e.ClientPort,
			NodeAddr: e.NodeAddr, NodePort: e.NodePort, HasBLSKey: e.BLSKey != nil,
		}
	}
	return out
}

// Refresh runs a full catch-up round: collect LEDGER_STATUS from every
// known validator, pick the quorum-agreed target size and root, fetch the
// missing transactions into a cloned tree, and — only once that succeeds —
// atomically swap in the rebuilt verifier set and a fresh transport. The
// previous transport is retired once no in-flight operation still uses it,
// per spec.md §4.8's "held until its last Request Stream is dropped".
func (r *Runner) Refresh(ctx context.Context) error {
	refreshID := uuid.NewString()
	log.WithField("refreshId", refreshID).Debug("pool: refresh starting")

	r.mu.RLock()
	set := r.set
	tree := r.tree
	r.mu.RUnlock()

	var currentNet transport.Networker
	if err := r.do(ctx, func() { currentNet = r.net }); err != nil {
		return err
	}

	aliasNames := aliasesOf(set)
	op := newOpNetworker(currentNet, aliasNames, 16)
	if err := r.do(ctx, func() { r.catchupOp = op }); err != nil {
		return err
	}
	defer func() {
		_ = r.do(context.Background(), func() {
			r.catchupOp = nil
			op.closeChans()
		})
	}()

	ccfg := catchup.Config{ChunkSize: r.cfg.CatchupChunkSize, ReadNodes: r.cfg.CatchupReadNodes}
	statuses, err := catchup.CollectStatus(ctx, op, aliasNames, ccfg)
	if err != nil {
		return err
	}

	targetSize, targetRoot, ok := catchup.TargetSize(statuses)
	if !ok {
		return poolerr.New(poolerr.NoConsensus, "refresh: no ledger-status quorum")
	}
	if targetSize <= tree.Count() {
		log.Debug("pool: refresh found no newer transactions")
		return nil
	}

	f, _ := set.Quorum()
	var agreeingAliases []string
	for _, s := range statuses {
		if s.TxnCount == targetSize && s.RootHash == targetRoot {
			agreeingAliases = append(agreeingAliases, s.Alias)
		}
	}
	if len(agreeingAliases) < f+1 {
		return poolerr.New(poolerr.NoConsensus, "refresh: catch-up target lacks f+1 agreement")
	}

	clone := tree.Clone()
	appended, err := catchup.Run(ctx, op, agreeingAliases, clone, targetSize, targetRoot, ccfg)
	if err != nil {
		return err
	}

	newTxns := make([]txn.Raw, 0, len(r.txns)+len(appended))
	r.mu.RLock()
	newTxns = append(newTxns, r.txns...)
	r.mu.RUnlock()
	for _, a := range appended {
		newTxns = append(newTxns, txn.Raw(a))
	}

	newSet, err := verifier.FromTransactions(newTxns, r.cfg.ProtocolVersion, r.cfg.GenesisPolicy)
	if err != nil {
		return err
	}

	return r.do(ctx, func() {
		r.mu.Lock()
		r.tree = clone
		r.txns = newTxns
		r.set = newSet
		r.mu.Unlock()

		newTcfg := transport.DefaultConfig()
		if r.cfg.ConnActiveTimeout > 0 {
			newTcfg.IdleTTL = r.cfg.ConnActiveTimeout
		}
		newNet := transport.New(newSet, r.localKey, newTcfg)
		old := r.net
		r.net = newNet
		r.retiring = append(r.retiring, old)
		r.startAliasPumps(newNet)
		r.releaseNet(old)

		if r.cache != nil {
			r.cache.Put(r.genesisKey, newSet)
		}
		log.WithFields(logrus.Fields{"refreshId": refreshID, "txns": clone.Count(), "validators": newSet.Len()}).Info("pool: refresh applied new verifier set")
	})
}

func decodeReqID(frame transport.Frame) reqstream.ID {
	var env struct {
		ReqID int64 `json:"reqId"`
	}
	_ = json.Unmarshal(frame.Payload, &env)
	return reqstream.ID(env.ReqID)
}

func aliasesOf(set *verifier.Set) []string {
	entries := set.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Alias
	}
	return out
}
