// Package store persists the canonical chain: headers, bodies, and the
// small set of metadata needed to resume a node after restart.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tolelom/tolbft/storage"
	"github.com/tolelom/tolbft/types"
)

// ErrNotFound is returned for reads beyond the current tip or for
// hashes the store has never seen.
var ErrNotFound = storage.ErrNotFound

// ErrInvalidBlock is returned by Put when a block fails structural or
// parent-linkage validation.
var ErrInvalidBlock = errors.New("store: invalid block")

// ErrGenesisMismatch is returned by Ready when the store already holds
// a genesis block whose hash differs from the one supplied.
var ErrGenesisMismatch = errors.New("store: genesis hash mismatch")

const (
	prefixHeader     = "h:" // h:<height big-endian> -> header json
	prefixBody       = "b:" // b:<height big-endian> -> body json
	prefixHash       = "x:" // x:<hash hex> -> height big-endian, for hash lookups
	prefixLastCommit = "c:" // c:<height big-endian> -> commit json; the certificate that finalized that height
	keyTip           = "meta:tip"
	keyGenesis       = "meta:genesisHash"
)

func heightKey(prefix string, height int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	return append([]byte(prefix), buf[:]...)
}

// Store is the append-only, height-indexed chain store. It is safe for
// concurrent use.
type Store struct {
	mu     sync.RWMutex
	db     storage.DB
	height int64
	hasTip bool
}

// New returns a Store backed by db. Call Ready before using it.
func New(db storage.DB) *Store {
	return &Store{db: db}
}

// Ready installs genesis on a fresh store, or verifies that an existing
// store's genesis matches on reopen. It must be called exactly once
// before any other method.
func (s *Store) Ready(genesis *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.db.Get([]byte(keyGenesis))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("store: read genesis meta: %w", err)
	}
	genesisHash := genesis.Hash()
	if err == nil {
		var gotHash types.Hash
		copy(gotHash[:], existing)
		if gotHash != genesisHash {
			return fmt.Errorf("%w: have %s want %s", ErrGenesisMismatch, gotHash, genesisHash)
		}
		return s.loadTipLocked()
	}

	if err := s.putLocked(genesis); err != nil {
		return fmt.Errorf("store: install genesis: %w", err)
	}
	h := genesis.Hash()
	if err := s.db.Set([]byte(keyGenesis), h[:]); err != nil {
		return fmt.Errorf("store: persist genesis meta: %w", err)
	}
	return nil
}

func (s *Store) loadTipLocked() error {
	val, err := s.db.Get([]byte(keyTip))
	if errors.Is(err, storage.ErrNotFound) {
		return errors.New("store: genesis present but no tip recorded")
	}
	if err != nil {
		return fmt.Errorf("store: read tip meta: %w", err)
	}
	s.height = int64(binary.BigEndian.Uint64(val))
	s.hasTip = true
	return nil
}

// Height returns the height of the current tip. It is -1 before Ready
// has installed a genesis block.
func (s *Store) Height() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasTip {
		return -1
	}
	return s.height
}

// Put appends block to the store. The block must have height one
// greater than the current tip and must validate against the current
// tip as its parent; otherwise Put returns ErrInvalidBlock.
func (s *Store) Put(block *types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasTip {
		return fmt.Errorf("%w: store has no genesis yet", ErrInvalidBlock)
	}
	parent, err := s.blockOfLocked(s.height)
	if err != nil {
		return fmt.Errorf("store: load tip block: %w", err)
	}
	if err := block.ValidateAgainstParent(parent); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBlock, err)
	}
	return s.putLocked(block)
}

// putLocked writes block unconditionally and advances the tip pointer.
// Callers hold s.mu.
func (s *Store) putLocked(block *types.Block) error {
	headerBytes, err := json.Marshal(block.Header)
	if err != nil {
		return err
	}
	bodyBytes, err := json.Marshal(block.Body)
	if err != nil {
		return err
	}
	height := block.Header.Height
	hash := block.Hash()

	batch := s.db.NewBatch()
	batch.Set(heightKey(prefixHeader, height), headerBytes)
	batch.Set(heightKey(prefixBody, height), bodyBytes)
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], uint64(height))
	batch.Set(append([]byte(prefixHash), hash.Hex()...), heightBuf[:])
	batch.Set([]byte(keyTip), heightBuf[:])
	if err := batch.Write(); err != nil {
		return fmt.Errorf("store: write batch: %w", err)
	}
	s.height = height
	s.hasTip = true
	return nil
}

// HeaderOf returns the header at height.
func (s *Store) HeaderOf(height int64) (types.BlockHeader, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headerOfLocked(height)
}

func (s *Store) headerOfLocked(height int64) (types.BlockHeader, error) {
	var h types.BlockHeader
	if !s.hasTip || height < 0 || height > s.height {
		return h, ErrNotFound
	}
	data, err := s.db.Get(heightKey(prefixHeader, height))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h, ErrNotFound
		}
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("store: decode header: %w", err)
	}
	return h, nil
}

// BodyOf returns the body at height.
func (s *Store) BodyOf(height int64) (types.BlockBody, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b types.BlockBody
	if !s.hasTip || height < 0 || height > s.height {
		return b, ErrNotFound
	}
	data, err := s.db.Get(heightKey(prefixBody, height))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return b, ErrNotFound
		}
		return b, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("store: decode body: %w", err)
	}
	return b, nil
}

// BlockOf returns the full block at height.
func (s *Store) BlockOf(height int64) (*types.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockOfLocked(height)
}

func (s *Store) blockOfLocked(height int64) (*types.Block, error) {
	header, err := s.headerOfLocked(height)
	if err != nil {
		return nil, err
	}
	data, err := s.db.Get(heightKey(prefixBody, height))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var body types.BlockBody
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("store: decode body: %w", err)
	}
	return &types.Block{Header: header, Body: body}, nil
}

// SetLastCommit persists the precommit certificate that finalized the
// block at height. The engine needs it to build the next height's
// block body: a block proves its *parent*, so the certificate must
// outlive the in-memory round state that produced it in order to
// survive a restart between heights.
func (s *Store) SetLastCommit(height int64, commit types.Commit) error {
	data, err := json.Marshal(commit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set(heightKey(prefixLastCommit, height), data)
}

// LastCommit returns the certificate previously saved by SetLastCommit
// for height, or ErrNotFound if none was saved (e.g. height is genesis).
func (s *Store) LastCommit(height int64) (types.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c types.Commit
	data, err := s.db.Get(heightKey(prefixLastCommit, height))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c, ErrNotFound
		}
		return c, err
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("store: decode last commit: %w", err)
	}
	return c, nil
}

// HeightOfHash returns the height of the block with the given hash.
func (s *Store) HeightOfHash(hash types.Hash) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := s.db.Get(append([]byte(prefixHash), hash.Hex()...))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}
