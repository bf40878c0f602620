// Package bsync drives catch-up for a node that has fallen behind its
// peers. It fetches headers then bodies from whichever peer reports a
// height that covers what's needed,
// validates the resulting blocks the same way the consensus commit
// path does, and hands them to the store and executor — bypassing the
// consensus engine entirely for history that is already finalized.
package bsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tolelom/tolbft/types"
)

// ErrNoPeerAvailable is returned internally when no connected peer
// reports a height high enough to serve the next fetch; the
// synchronizer simply waits for a NewBlockHeight announcement instead
// of retrying busily.
var ErrNoPeerAvailable = errors.New("bsync: no peer reports a usable height")

const (
	defaultBatchSize = 50
	defaultTimeout   = 10 * time.Second
)

// Store is the subset of the chain store the synchronizer reads and
// writes. Put must apply the same block-invariant checks the consensus
// commit path applies.
type Store interface {
	Height() int64
	BlockOf(height int64) (*types.Block, error)
	Put(block *types.Block) error
	SetLastCommit(height int64, commit types.Commit) error
}

// Executor replays a newly stored block's transactions so the
// application stays caught up with the chain even though the blocks
// arrived via catch-up rather than the engine.
type Executor interface {
	ExecuteUpTo(height int64) error
}

// Fetcher requests headers and bodies from a specific peer. It is
// implemented by the node coordinator, which owns the actual
// connections; the synchronizer itself never touches a socket.
type Fetcher interface {
	RequestHeaders(ctx context.Context, peerID string, from int64, count int) ([]types.BlockHeader, error)
	RequestBodies(ctx context.Context, peerID string, heights []int64) ([]types.BlockBody, error)
}

// DropPeer disconnects a peer that timed out or returned an invalid
// response, so the next fetch picks a different one.
type DropPeer interface {
	DropPeer(peerID string)
}

// Synchronizer tracks each peer's reported height and runs the
// catch-up fetch loop while the local tip lags the highest one.
type Synchronizer struct {
	store   Store
	exec    Executor
	fetcher Fetcher
	dropper DropPeer
	batch   int
	timeout time.Duration

	mu          sync.Mutex
	peerHeights map[string]int64
	peerOrder   []string
	rrCursor    int

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Synchronizer. Start must be called before it will
// fetch anything.
func New(store Store, exec Executor, fetcher Fetcher, dropper DropPeer) *Synchronizer {
	return &Synchronizer{
		store:       store,
		exec:        exec,
		fetcher:     fetcher,
		dropper:     dropper,
		batch:       defaultBatchSize,
		timeout:     defaultTimeout,
		peerHeights: make(map[string]int64),
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start runs the fetch loop in the background.
func (s *Synchronizer) Start() {
	s.doneCh = make(chan struct{})
	go s.loop()
}

// Stop halts the fetch loop. It does not close peer connections; that
// is the node coordinator's responsibility.
func (s *Synchronizer) Stop() {
	close(s.stopCh)
	if s.doneCh != nil {
		<-s.doneCh
	}
}

// NewBlockHeight records peer's reported tip and wakes the fetch loop
// if that tip is beyond the local one.
func (s *Synchronizer) NewBlockHeight(peerID string, height int64) {
	s.mu.Lock()
	s.setPeerHeightLocked(peerID, height)
	s.mu.Unlock()
	if height > s.store.Height() {
		s.wake()
	}
}

// NewBlock handles a block a peer pushed proactively. If it extends
// the local tip by exactly one, it is validated and applied directly;
// otherwise it only updates the peer's reported height and lets the
// ordinary fetch loop fill the gap.
func (s *Synchronizer) NewBlock(block *types.Block, peerID string) error {
	s.mu.Lock()
	s.setPeerHeightLocked(peerID, block.Header.Height)
	s.mu.Unlock()

	if block.Header.Height != s.store.Height()+1 {
		if block.Header.Height > s.store.Height() {
			s.wake()
		}
		return nil
	}
	parent, err := s.store.BlockOf(block.Header.Height - 1)
	if err != nil {
		return fmt.Errorf("bsync: load parent of pushed block %d: %w", block.Header.Height, err)
	}
	if err := block.ValidateAgainstParent(parent); err != nil {
		return fmt.Errorf("bsync: pushed block %d invalid: %w", block.Header.Height, err)
	}
	if err := s.store.Put(block); err != nil {
		return fmt.Errorf("bsync: store pushed block %d: %w", block.Header.Height, err)
	}
	s.recordParentCommit(block)
	return s.exec.ExecuteUpTo(block.Header.Height)
}

// RemovePeer drops peerID from the height table, e.g. on disconnect.
func (s *Synchronizer) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peerHeights, peerID)
	for i, id := range s.peerOrder {
		if id == peerID {
			s.peerOrder = append(s.peerOrder[:i], s.peerOrder[i+1:]...)
			break
		}
	}
	if s.rrCursor >= len(s.peerOrder) {
		s.rrCursor = 0
	}
}

func (s *Synchronizer) setPeerHeightLocked(peerID string, height int64) {
	if _, ok := s.peerHeights[peerID]; !ok {
		s.peerOrder = append(s.peerOrder, peerID)
	}
	s.peerHeights[peerID] = height
}

// TargetHeight returns the highest height any known peer has reported,
// or -1 if no peer has reported one.
func (s *Synchronizer) TargetHeight() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := int64(-1)
	for _, h := range s.peerHeights {
		if h > target {
			target = h
		}
	}
	return target
}

// Idle reports whether the local tip has caught up with every peer's
// reported height. The consensus engine consults this before
// proposing, so catch-up and consensus never advance the tip at the
// same time.
func (s *Synchronizer) Idle() bool {
	return s.store.Height() >= s.TargetHeight()
}

func (s *Synchronizer) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Synchronizer) loop() {
	defer close(s.doneCh)
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.wakeCh:
			s.runUntilIdleOrStuck()
		}
	}
}

// runUntilIdleOrStuck repeatedly fetches and applies batches until the
// local tip catches up or no peer can currently serve the next batch.
func (s *Synchronizer) runUntilIdleOrStuck() {
	for !s.Idle() {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if err := s.fetchOnce(); err != nil {
			return
		}
	}
}

func (s *Synchronizer) fetchOnce() error {
	from := s.store.Height() + 1
	peerID, ok := s.pickPeer(from)
	if !ok {
		return ErrNoPeerAvailable
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	headers, err := s.fetcher.RequestHeaders(ctx, peerID, from, s.batch)
	cancel()
	if err != nil {
		s.dropper.DropPeer(peerID)
		s.RemovePeer(peerID)
		return nil // try another peer on the next iteration
	}
	if len(headers) == 0 {
		return ErrNoPeerAvailable
	}

	// Check the header chain's height and hash linkage before asking for
	// bodies; the commit certificates travel in the bodies and are
	// checked by ValidateAgainstParent once those arrive.
	parent, err := s.store.BlockOf(from - 1)
	if err != nil {
		return fmt.Errorf("bsync: load local parent %d: %w", from-1, err)
	}
	prev := parent.Header
	for _, h := range headers {
		if h.Height != prev.Height+1 || h.LastBlockHash != prev.Hash() {
			s.dropper.DropPeer(peerID)
			s.RemovePeer(peerID)
			return nil
		}
		prev = h
	}

	heights := make([]int64, len(headers))
	for i, h := range headers {
		heights[i] = h.Height
	}
	ctx2, cancel2 := context.WithTimeout(context.Background(), s.timeout)
	bodies, err := s.fetcher.RequestBodies(ctx2, peerID, heights)
	cancel2()
	if err != nil || len(bodies) != len(headers) {
		s.dropper.DropPeer(peerID)
		s.RemovePeer(peerID)
		return nil
	}

	for i := range headers {
		block := &types.Block{Header: headers[i], Body: bodies[i]}
		if err := block.ValidateAgainstParent(parent); err != nil {
			s.dropper.DropPeer(peerID)
			s.RemovePeer(peerID)
			return nil
		}
		if err := s.store.Put(block); err != nil {
			s.dropper.DropPeer(peerID)
			s.RemovePeer(peerID)
			return nil
		}
		s.recordParentCommit(block)
		if err := s.exec.ExecuteUpTo(block.Header.Height); err != nil {
			return fmt.Errorf("bsync: execute block %d: %w", block.Header.Height, err)
		}
		parent = block
	}
	return nil
}

// recordParentCommit persists the certificate block carries for its
// parent, so the consensus engine can later embed it when this node
// reaches a proposer slot. A stored block's embedded commit has already
// been verified by ValidateAgainstParent.
func (s *Synchronizer) recordParentCommit(block *types.Block) {
	parent := block.Header.Height - 1
	if parent <= 0 {
		return
	}
	_ = s.store.SetLastCommit(parent, block.Body.LastBlockConsensus)
}

func (s *Synchronizer) pickPeer(needed int64) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.peerOrder)
	for i := 0; i < n; i++ {
		idx := (s.rrCursor + i) % n
		id := s.peerOrder[idx]
		if s.peerHeights[id] >= needed {
			s.rrCursor = (idx + 1) % n
			return id, true
		}
	}
	return "", false
}
