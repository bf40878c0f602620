// Package node coordinates everything a running validator needs:
// connection lifecycle, the Hello handshake, message demultiplexing,
// and driving the consensus engine's actions. No other package holds a
// back-reference to Node — each receives only the narrow capability
// interface it needs (Broadcaster, Fetcher, DropPeer).
package node

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tolelom/tolbft/clock"
	"github.com/tolelom/tolbft/consensus"
	"github.com/tolelom/tolbft/events"
	"github.com/tolelom/tolbft/network"
	bsync "github.com/tolelom/tolbft/sync"
	"github.com/tolelom/tolbft/types"
)

// gossipCacheSize bounds how many recently-sent message hashes each
// peer's dedup cache retains before evicting the oldest.
const gossipCacheSize = 4096

// ErrForeignChain is returned by the handshake when a peer's genesis
// hash does not match this node's.
var ErrForeignChain = errors.New("node: peer genesis hash does not match")

// ErrHandshakeTimeout is returned when a peer does not complete the
// Hello exchange within HandshakeTimeout.
var ErrHandshakeTimeout = errors.New("node: handshake timed out")

// DefaultMaxPeers bounds simultaneous peer connections.
const DefaultMaxPeers = 50

// HandshakeTimeout bounds how long a connection waits for the peer's
// Hello before it is dropped.
const HandshakeTimeout = 5 * time.Second

const engineTickInterval = 500 * time.Millisecond

// Store is the subset of store.Store the coordinator needs.
type Store interface {
	Height() int64
	BlockOf(height int64) (*types.Block, error)
	HeaderOf(height int64) (types.BlockHeader, error)
	BodyOf(height int64) (types.BlockBody, error)
	Put(block *types.Block) error
	SetLastCommit(height int64, commit types.Commit) error
	LastCommit(height int64) (types.Commit, error)
}

// Executor is the subset of executor.Executor the coordinator needs.
type Executor interface {
	ExecuteUpTo(target int64) error
}

// Mempool is the subset of mempool.Mempool the coordinator needs.
type Mempool interface {
	Add(tx *types.Transaction, origin string) error
	Update(committed types.TransactionList)
	Size() int
}

// remoteNode tracks one connected peer: its wire handle, last reported
// height, and the channels that deliver responses to our own
// outstanding requests against it.
type remoteNode struct {
	id     string
	peer   *network.Peer
	height int64

	pendingHeaders         chan network.HeadersMessage
	pendingBodies          chan network.BodiesMessage
	pendingConsentedHeader chan network.ConsentedHeaderMessage

	// sent tracks hashes of messages already broadcast to this peer, so
	// a retried or rebroadcast gossip message is sent at most once per
	// peer. Bounded so a long-lived connection can't grow this forever.
	sent *lru.Cache[types.Hash, struct{}]
}

func newRemoteNode(id string, peer *network.Peer, height int64) *remoteNode {
	sent, _ := lru.New[types.Hash, struct{}](gossipCacheSize)
	return &remoteNode{
		id:                     id,
		peer:                   peer,
		height:                 height,
		pendingHeaders:         make(chan network.HeadersMessage, 1),
		pendingBodies:          make(chan network.BodiesMessage, 1),
		pendingConsentedHeader: make(chan network.ConsentedHeaderMessage, 1),
		sent:                   sent,
	}
}

// messageKey hashes a message's type and payload so repeated sends of
// the same logical message (e.g. a vote rebroadcast across rounds) can
// be recognized as duplicates.
func messageKey(msg network.Message) types.Hash {
	return types.HashConcat([]byte(msg.Type), []byte(msg.Payload))
}

// Node owns P2P connection lifecycle and drives the consensus engine.
type Node struct {
	id         string
	listenAddr string
	tlsCfg     *tls.Config
	maxPeers   int

	store     Store
	mempool   Mempool
	executor  Executor
	engine    *consensus.Engine
	syncer    *bsync.Synchronizer
	responder *network.Responder
	clock     clock.Clock
	emitter   *events.Emitter
	genesis   types.Hash

	mu           sync.RWMutex
	peers        map[string]*remoteNode
	engineHeight int64 // highest height EnterHeight has been called for; -1 until started
	stopped      bool

	listener net.Listener
	stopCh   chan struct{}

	droppedConnCount int64
}

// Config bundles the dependencies New needs.
type Config struct {
	ID         string
	ListenAddr string
	TLSConfig  *tls.Config
	MaxPeers   int

	Store     Store
	Mempool   Mempool
	Executor  Executor
	Engine    *consensus.Engine
	Clock     clock.Clock
	Emitter   *events.Emitter
	Genesis   types.Hash
}

// New returns a Node ready to Start. The synchronizer is constructed
// here since it needs the Node itself as its Fetcher/DropPeer
// capability.
func New(cfg Config) *Node {
	maxPeers := cfg.MaxPeers
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	n := &Node{
		id:           cfg.ID,
		listenAddr:   cfg.ListenAddr,
		tlsCfg:       cfg.TLSConfig,
		maxPeers:     maxPeers,
		store:        cfg.Store,
		mempool:      cfg.Mempool,
		executor:     cfg.Executor,
		engine:       cfg.Engine,
		clock:        cfg.Clock,
		emitter:      cfg.Emitter,
		genesis:      cfg.Genesis,
		peers:        make(map[string]*remoteNode),
		engineHeight: -1,
		stopCh:       make(chan struct{}),
	}
	n.responder = network.NewResponder(cfg.Store)
	n.syncer = bsync.New(cfg.Store, cfg.Executor, n, n)
	return n
}

// Start begins listening for inbound connections, the synchronizer's
// catch-up loop, and the ticker that starts the consensus engine once
// the node is caught up.
func (n *Node) Start() error {
	var ln net.Listener
	var err error
	if n.tlsCfg != nil {
		ln, err = tls.Listen("tcp", n.listenAddr, n.tlsCfg)
	} else {
		ln, err = net.Listen("tcp", n.listenAddr)
	}
	if err != nil {
		return fmt.Errorf("node: listen %s: %w", n.listenAddr, err)
	}
	n.listener = ln
	go n.acceptLoop()
	n.syncer.Start()
	go n.engineLoop()
	return nil
}

// Stop performs an ordered shutdown: protocol
// handles, then the engine (timers stop firing once n.stopped is set),
// then the synchronizer. Executor and store have no lifecycle of their
// own to stop; the caller closes the underlying storage.DB last.
func (n *Node) Stop() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.stopped = true
	peers := make([]*remoteNode, 0, len(n.peers))
	for _, r := range n.peers {
		peers = append(peers, r)
	}
	n.mu.Unlock()

	close(n.stopCh)
	if n.listener != nil {
		n.listener.Close()
	}
	for _, r := range peers {
		r.peer.Close()
	}
	n.syncer.Stop()
}

// DroppedConnCount returns the number of connections dropped due to a
// failed handshake, foreign genesis, or a synchronizer-reported fault.
func (n *Node) DroppedConnCount() int64 {
	return atomic.LoadInt64(&n.droppedConnCount)
}

// SendTransaction admits tx locally and gossips it to every peer: the
// Core interface's transaction-submission entry point.
func (n *Node) SendTransaction(tx *types.Transaction) error {
	return n.mempool.Add(tx, "")
}

// Blockchain exposes read access to the chain store: the other half of
// the Core interface, mirrored by package rpc.
func (n *Node) Blockchain() Store {
	return n.store
}

// AddPeer dials addr and performs the handshake, registering the peer
// on success.
func (n *Node) AddPeer(id, addr string) error {
	peer, err := network.Connect(id, addr, n.tlsCfg)
	if err != nil {
		return err
	}
	remote, err := n.handshake(id, peer)
	if err != nil {
		peer.Close()
		atomic.AddInt64(&n.droppedConnCount, 1)
		return err
	}
	n.registerPeer(remote)
	go n.readLoop(remote)
	return nil
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.stopCh:
				return
			default:
				log.Printf("[node] accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		n.mu.RLock()
		full := len(n.peers) >= n.maxPeers
		n.mu.RUnlock()
		if full {
			conn.Close()
			continue
		}
		go n.handleInbound(conn)
	}
}

func (n *Node) handleInbound(conn net.Conn) {
	addr := conn.RemoteAddr().String()
	peer := network.NewPeer(addr, addr, conn)
	remote, err := n.handshake(addr, peer)
	if err != nil {
		log.Printf("[node] handshake with %s failed: %v", addr, err)
		peer.Close()
		atomic.AddInt64(&n.droppedConnCount, 1)
		return
	}
	n.registerPeer(remote)
	n.readLoop(remote)
}

// handshake exchanges Hello messages over peer and validates the
// remote's genesis hash. The caller owns closing peer on error.
func (n *Node) handshake(id string, peer *network.Peer) (*remoteNode, error) {
	hello := network.HelloMessage{Height: n.store.Height(), Genesis: n.genesis}
	msg, err := network.Encode(network.MsgHello, hello)
	if err != nil {
		return nil, err
	}
	if err := peer.Send(msg); err != nil {
		return nil, fmt.Errorf("node: send hello: %w", err)
	}

	type result struct {
		msg network.Message
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		m, err := peer.Receive()
		resultCh <- result{m, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("node: receive hello: %w", r.err)
		}
		if r.msg.Type != network.MsgHello {
			return nil, fmt.Errorf("node: expected hello, got %s", r.msg.Type)
		}
		var theirs network.HelloMessage
		if err := r.msg.Decode(&theirs); err != nil {
			return nil, fmt.Errorf("node: decode hello: %w", err)
		}
		if theirs.Genesis != n.genesis {
			return nil, ErrForeignChain
		}
		return newRemoteNode(id, peer, theirs.Height), nil
	case <-time.After(HandshakeTimeout):
		return nil, ErrHandshakeTimeout
	}
}

func (n *Node) registerPeer(remote *remoteNode) {
	n.mu.Lock()
	n.peers[remote.id] = remote
	n.mu.Unlock()
	n.syncer.NewBlockHeight(remote.id, remote.height)
	n.emitEvent(events.EventPeerConnected, remote.id)
}

func (n *Node) removePeer(id string) {
	n.mu.Lock()
	delete(n.peers, id)
	n.mu.Unlock()
	n.syncer.RemovePeer(id)
	n.emitEvent(events.EventPeerDisconnected, id)
}

func (n *Node) getPeer(id string) (*remoteNode, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.peers[id]
	return r, ok
}

func (n *Node) emitEvent(typ events.EventType, peerID string) {
	if n.emitter == nil {
		return
	}
	n.emitter.Emit(events.Event{Type: typ, Data: map[string]any{"peer_id": peerID}})
}

func (n *Node) emitError(err error) {
	if n.emitter == nil {
		return
	}
	n.emitter.Emit(events.Event{Type: events.EventError, Data: map[string]any{"error": err.Error()}})
}

// fatal reports err and begins shutdown: a failure on the commit path
// means local state can no longer be trusted to advance.
func (n *Node) fatal(err error) {
	n.emitError(err)
	log.Printf("[node] fatal: %v", err)
	go n.Stop()
}

func (n *Node) readLoop(remote *remoteNode) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[node] readLoop panic from %s: %v", remote.id, r)
		}
		remote.peer.Close()
		n.removePeer(remote.id)
	}()
	for {
		msg, err := remote.peer.Receive()
		if err != nil {
			return
		}
		n.dispatch(remote, msg)
	}
}

func (n *Node) dispatch(remote *remoteNode, msg network.Message) {
	switch msg.Type {
	case network.MsgNewTransaction:
		var m network.NewTransactionMessage
		if err := msg.Decode(&m); err != nil || m.Transaction == nil {
			return
		}
		if err := n.mempool.Add(m.Transaction, remote.id); err != nil {
			log.Printf("[node] mempool add from %s: %v", remote.id, err)
		}

	case network.MsgNewBlockHeight:
		var m network.NewBlockHeightMessage
		if err := msg.Decode(&m); err != nil {
			return
		}
		n.mu.Lock()
		remote.height = m.Height
		n.mu.Unlock()
		n.syncer.NewBlockHeight(remote.id, m.Height)

	case network.MsgNewBlock:
		var m network.NewBlockMessage
		if err := msg.Decode(&m); err != nil || m.Block == nil {
			return
		}
		if err := n.syncer.NewBlock(m.Block, remote.id); err != nil {
			log.Printf("[node] apply pushed block from %s: %v", remote.id, err)
		}

	case network.MsgNewConsensusMessage:
		var m network.ConsensusMessage
		if err := msg.Decode(&m); err != nil {
			return
		}
		n.handleConsensusMessage(m)

	case network.MsgGetConsentedHeader:
		var m network.GetConsentedHeaderMessage
		if err := msg.Decode(&m); err != nil {
			return
		}
		resp := n.responder.GetConsentedHeader(m.Height)
		out, err := network.Encode(network.MsgConsentedHeader, resp)
		if err == nil {
			_ = remote.peer.Send(out)
		}

	case network.MsgConsentedHeader:
		var m network.ConsentedHeaderMessage
		if err := msg.Decode(&m); err != nil {
			return
		}
		select {
		case remote.pendingConsentedHeader <- m:
		default:
		}

	case network.MsgGetHeaders:
		var m network.GetHeadersMessage
		if err := msg.Decode(&m); err != nil {
			return
		}
		resp := n.responder.GetHeaders(m.From, m.Count)
		out, err := network.Encode(network.MsgHeaders, resp)
		if err == nil {
			_ = remote.peer.Send(out)
		}

	case network.MsgHeaders:
		var m network.HeadersMessage
		if err := msg.Decode(&m); err != nil {
			return
		}
		select {
		case remote.pendingHeaders <- m:
		default:
		}

	case network.MsgGetBodies:
		var m network.GetBodiesMessage
		if err := msg.Decode(&m); err != nil {
			return
		}
		resp := n.responder.GetBodies(m.Heights)
		out, err := network.Encode(network.MsgBodies, resp)
		if err == nil {
			_ = remote.peer.Send(out)
		}

	case network.MsgBodies:
		var m network.BodiesMessage
		if err := msg.Decode(&m); err != nil {
			return
		}
		select {
		case remote.pendingBodies <- m:
		default:
		}
	}
}

func (n *Node) handleConsensusMessage(m network.ConsensusMessage) {
	var ev consensus.Event
	switch {
	case m.Proposal != nil:
		ev = consensus.EventProposal{Proposal: *m.Proposal}
	case m.Vote != nil:
		ev = consensus.EventVote{Vote: *m.Vote}
	default:
		return
	}
	actions, err := n.engine.Step(ev)
	if err != nil {
		log.Printf("[node] consensus message rejected: %v", err)
		return
	}
	n.handleActions(actions)
}

// BroadcastTx implements mempool.Broadcaster.
func (n *Node) BroadcastTx(tx *types.Transaction, origin string) {
	msg, err := network.Encode(network.MsgNewTransaction, network.NewTransactionMessage{Transaction: tx})
	if err != nil {
		return
	}
	n.broadcastExcept(msg, origin)
}

// DropPeer implements bsync.DropPeer.
func (n *Node) DropPeer(peerID string) {
	remote, ok := n.getPeer(peerID)
	if !ok {
		return
	}
	remote.peer.Close()
	n.removePeer(peerID)
	atomic.AddInt64(&n.droppedConnCount, 1)
}

// RequestHeaders implements bsync.Fetcher.
func (n *Node) RequestHeaders(ctx context.Context, peerID string, from int64, count int) ([]types.BlockHeader, error) {
	remote, ok := n.getPeer(peerID)
	if !ok {
		return nil, fmt.Errorf("node: unknown peer %s", peerID)
	}
	msg, err := network.Encode(network.MsgGetHeaders, network.GetHeadersMessage{From: from, Count: count})
	if err != nil {
		return nil, err
	}
	if err := remote.peer.Send(msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-remote.pendingHeaders:
		return resp.Headers, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestBodies implements bsync.Fetcher.
func (n *Node) RequestBodies(ctx context.Context, peerID string, heights []int64) ([]types.BlockBody, error) {
	remote, ok := n.getPeer(peerID)
	if !ok {
		return nil, fmt.Errorf("node: unknown peer %s", peerID)
	}
	msg, err := network.Encode(network.MsgGetBodies, network.GetBodiesMessage{Heights: heights})
	if err != nil {
		return nil, err
	}
	if err := remote.peer.Send(msg); err != nil {
		return nil, err
	}
	select {
	case resp := <-remote.pendingBodies:
		return resp.Bodies, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestConsentedHeader asks peerID for the header and finalizing
// commit at height; used for light queries outside the catch-up path.
func (n *Node) RequestConsentedHeader(ctx context.Context, peerID string, height int64) (network.ConsentedHeaderMessage, error) {
	remote, ok := n.getPeer(peerID)
	if !ok {
		return network.ConsentedHeaderMessage{}, fmt.Errorf("node: unknown peer %s", peerID)
	}
	msg, err := network.Encode(network.MsgGetConsentedHeader, network.GetConsentedHeaderMessage{Height: height})
	if err != nil {
		return network.ConsentedHeaderMessage{}, err
	}
	if err := remote.peer.Send(msg); err != nil {
		return network.ConsentedHeaderMessage{}, err
	}
	select {
	case resp := <-remote.pendingConsentedHeader:
		return resp, nil
	case <-ctx.Done():
		return network.ConsentedHeaderMessage{}, ctx.Err()
	}
}

func (n *Node) broadcast(msg network.Message) {
	n.broadcastExcept(msg, "")
}

func (n *Node) broadcastExcept(msg network.Message, origin string) {
	n.mu.RLock()
	targets := make([]*remoteNode, 0, len(n.peers))
	for id, r := range n.peers {
		if id == origin {
			continue
		}
		targets = append(targets, r)
	}
	n.mu.RUnlock()

	key := messageKey(msg)
	for _, r := range targets {
		if _, seen := r.sent.Get(key); seen {
			continue
		}
		if err := r.peer.Send(msg); err != nil {
			log.Printf("[node] send to %s: %v", r.id, err)
			continue
		}
		r.sent.Add(key, struct{}{})
	}
}

func (n *Node) isStopped() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stopped
}

// handleActions executes whatever the consensus engine asked the
// driver to do: broadcast a message, arm a timer, or persist a commit.
func (n *Node) handleActions(actions []consensus.Action) {
	for _, a := range actions {
		switch act := a.(type) {
		case consensus.ActionBroadcastProposal:
			msg, err := network.Encode(network.MsgNewConsensusMessage, network.ConsensusMessage{Proposal: &act.Proposal})
			if err == nil {
				n.broadcast(msg)
			}
		case consensus.ActionBroadcastVote:
			v := act.Vote
			msg, err := network.Encode(network.MsgNewConsensusMessage, network.ConsensusMessage{Vote: &v})
			if err == nil {
				n.broadcast(msg)
			}
		case consensus.ActionScheduleTimeout:
			n.scheduleTimeout(act)
		case consensus.ActionCommit:
			n.applyCommit(act)
		}
	}
}

func (n *Node) scheduleTimeout(act consensus.ActionScheduleTimeout) {
	ev := consensus.EventTimeout{Height: act.Height, Round: act.Round, Step: act.Step}
	n.clock.AfterFunc(act.Duration, func() {
		if n.isStopped() {
			return
		}
		actions, _ := n.engine.Step(ev)
		n.handleActions(actions)
	})
}

func (n *Node) applyCommit(act consensus.ActionCommit) {
	if err := n.store.Put(act.Block); err != nil {
		n.fatal(fmt.Errorf("node: persist committed block %d: %w", act.Block.Header.Height, err))
		return
	}
	if err := n.store.SetLastCommit(act.Block.Header.Height, act.Commit); err != nil {
		n.fatal(fmt.Errorf("node: persist commit certificate for %d: %w", act.Block.Header.Height, err))
		return
	}
	if err := n.executor.ExecuteUpTo(act.Block.Header.Height); err != nil {
		n.fatal(fmt.Errorf("node: execute committed block %d: %w", act.Block.Header.Height, err))
		return
	}
	n.mempool.Update(act.Block.Body.Transactions)

	msg, err := network.Encode(network.MsgNewBlock, network.NewBlockMessage{Block: act.Block})
	if err == nil {
		n.broadcast(msg)
	}

	n.mu.Lock()
	next := act.Block.Header.Height + 1
	n.engineHeight = next
	n.mu.Unlock()

	actions, err := n.engine.EnterHeight(next)
	if err != nil {
		n.emitError(fmt.Errorf("node: enter height %d: %w", next, err))
		n.mu.Lock()
		n.engineHeight = next - 1 // let the ticker retry
		n.mu.Unlock()
		return
	}
	n.handleActions(actions)
}

// engineLoop starts the consensus engine once the node is caught up
// with its peers.
func (n *Node) engineLoop() {
	ticker := time.NewTicker(engineTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			n.maybeAdvanceEngine()
		}
	}
}

func (n *Node) maybeAdvanceEngine() {
	if !n.syncer.Idle() {
		return
	}
	next := n.store.Height() + 1

	n.mu.Lock()
	if next <= n.engineHeight {
		n.mu.Unlock()
		return
	}
	n.engineHeight = next
	n.mu.Unlock()

	actions, err := n.engine.EnterHeight(next)
	if err != nil {
		n.emitError(fmt.Errorf("node: enter height %d: %w", next, err))
		n.mu.Lock()
		n.engineHeight = next - 1 // let the ticker retry
		n.mu.Unlock()
		return
	}
	n.handleActions(actions)
}
