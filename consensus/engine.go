// Package consensus implements the round-based BFT state machine:
// Propose, Prevote, Precommit, Commit, repeating until a quorum. The
// Engine itself performs no I/O — Step consumes an Event and returns a
// list of Actions for a driver to carry out (broadcast, arm a timer,
// persist a commit), so the state machine is unit-testable without a
// network or a wall clock.
package consensus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tolelom/tolbft/crypto"
	"github.com/tolelom/tolbft/types"
)

// ErrInvalidProposal is returned when a received proposal fails
// structural or parent validation.
var ErrInvalidProposal = errors.New("consensus: invalid proposal")

// ErrInvalidVote is returned when a received vote fails signature or
// membership validation.
var ErrInvalidVote = errors.New("consensus: invalid vote")

// Store is the subset of the chain store the engine needs to learn a
// height's validator set and parent linkage.
type Store interface {
	BlockOf(height int64) (*types.Block, error)
	LastCommit(height int64) (types.Commit, error)
}

// Mempool supplies candidate transactions when this node is the
// proposer.
type Mempool interface {
	Select(max int) types.TransactionList
}

// AppState reports the application's state digest at the execution
// frontier. The executor guarantees the frontier has reached the
// parent block before the engine enters a height, so this is the value
// the next header must carry.
type AppState interface {
	AppStateHash() types.Hash
}

// ValidatorRotation is an optional extension of AppState: an
// application that wants to change the validator set between blocks
// returns the set for the *next* height given the current one. When
// absent, every block copies the current set forward. Changes only
// ever land at a block boundary; nothing can alter the set mid-round.
type ValidatorRotation interface {
	NextValidatorSet(current types.ValidatorSet) types.ValidatorSet
}

const defaultMaxBlockTxs = 10_000

// Engine runs one height at a time. It holds round state (locked
// block, collected votes) and advances strictly via Step.
type Engine struct {
	mu sync.Mutex

	cfg         Config
	store       Store
	mempool     Mempool
	app         AppState
	maxBlockTxs int

	privKey   crypto.PrivateKey
	privAddr  string
	privIndex int // -1 if this node is not a validator at the current height

	height     int64
	parent     *types.Block
	validators types.ValidatorSet
	lastCommit types.Commit

	round uint32
	step  Step

	lockedRound int32 // -1 means "no lock"
	lockedBlock *types.Block

	proposals  map[uint32]*types.Proposal
	prevotes   map[uint32]*VoteSet
	precommits map[uint32]*VoteSet

	prevoteTimeoutArmed   map[uint32]bool
	precommitTimeoutArmed map[uint32]bool

	futureHeightVotes []types.Vote
}

// New returns an Engine for the validator identified by priv (nil for
// a non-validating observer node), using cfg's timeout schedule. app
// supplies the state digest embedded in proposed headers; nil skips
// app-hash production and checking (engine unit tests).
func New(cfg Config, st Store, mp Mempool, app AppState, maxBlockTxs int, priv crypto.PrivateKey) *Engine {
	if maxBlockTxs <= 0 {
		maxBlockTxs = defaultMaxBlockTxs
	}
	e := &Engine{
		cfg:         cfg,
		store:       st,
		mempool:     mp,
		app:         app,
		maxBlockTxs: maxBlockTxs,
		privKey:     priv,
		lockedRound: -1,
	}
	if priv != nil {
		e.privAddr = priv.Public().Hex()
	}
	return e
}

// Step feeds one event into the state machine and returns the actions
// the driver must carry out. It is the single external entry point;
// EnterHeight, Propose, Vote and Timeout are its per-event halves,
// exported for tests that want to drive one kind of event directly.
func (e *Engine) Step(ev Event) ([]Action, error) {
	switch ev := ev.(type) {
	case EventEnterHeight:
		return e.EnterHeight(ev.Height)
	case EventProposal:
		return e.Propose(ev.Proposal)
	case EventVote:
		return e.Vote(ev.Vote)
	case EventTimeout:
		return e.Timeout(ev), nil
	default:
		return nil, nil
	}
}

// Height returns the height currently being decided.
func (e *Engine) Height() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.height
}

// Round returns the round currently being decided at Height().
func (e *Engine) Round() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// EnterHeight begins consensus at height, loading its validator set
// from the parent block's NextValidatorSet. It is the only way to
// start or advance a height; Step never advances height on its own for
// anything but a local commit (see ActionCommit handling by the
// driver, which calls EnterHeight again).
func (e *Engine) EnterHeight(height int64) ([]Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enterHeightLocked(height)
}

func (e *Engine) enterHeightLocked(height int64) ([]Action, error) {
	parent, err := e.store.BlockOf(height - 1)
	if err != nil {
		return nil, fmt.Errorf("consensus: load parent of height %d: %w", height, err)
	}
	lastCommit := types.Commit{}
	if parent.Header.Height > 0 {
		// A node that synced to the tip may not have the certificate
		// that finalized it yet; it can still validate and vote on
		// other proposers' blocks, so a missing commit is not fatal
		// (see canProposeLocked).
		if c, err := e.store.LastCommit(parent.Header.Height); err == nil {
			lastCommit = c
		}
	}

	e.height = height
	e.parent = parent
	e.validators = parent.Body.NextValidatorSet
	e.lastCommit = lastCommit
	e.privIndex = e.validators.IndexOf(e.privAddr)
	e.lockedRound = -1
	e.lockedBlock = nil
	e.proposals = make(map[uint32]*types.Proposal)
	e.prevotes = make(map[uint32]*VoteSet)
	e.precommits = make(map[uint32]*VoteSet)
	e.prevoteTimeoutArmed = make(map[uint32]bool)
	e.precommitTimeoutArmed = make(map[uint32]bool)

	actions := e.enterRoundLocked(0)

	pending := e.futureHeightVotes
	e.futureHeightVotes = nil
	for _, v := range pending {
		if v.Height == e.height {
			actions = append(actions, e.handleVoteLocked(v)...)
		}
	}
	return actions, nil
}

func (e *Engine) ensureVoteSetsLocked(round uint32) {
	if _, ok := e.prevotes[round]; !ok {
		e.prevotes[round] = NewVoteSet(e.height, round, types.VotePrevote, e.validators)
	}
	if _, ok := e.precommits[round]; !ok {
		e.precommits[round] = NewVoteSet(e.height, round, types.VotePrecommit, e.validators)
	}
}

func (e *Engine) enterRoundLocked(round uint32) []Action {
	e.round = round
	e.step = StepPropose
	e.ensureVoteSetsLocked(round)

	proposer := e.validators.Proposer(round)
	if e.privIndex >= 0 && proposer.Address == e.privAddr && e.canProposeLocked() {
		return e.proposeLocked(round)
	}
	return []Action{scheduleTimeout(e.height, round, StepPropose, geometric(e.cfg.ProposeBase, e.cfg.ProposeRate, round))}
}

// canProposeLocked reports whether this node holds everything a valid
// proposal needs. A node that reached the tip via catch-up has the
// parent block but not necessarily the certificate that finalized it
// (that certificate only travels embedded in the next block), so it
// sits out the proposer slot until it has one and lets the round time
// out instead.
func (e *Engine) canProposeLocked() bool {
	if e.lockedBlock != nil {
		return true
	}
	return e.parent.Header.Height == 0 || len(e.lastCommit.Votes) > 0
}

// proposeLocked builds (or re-proposes the locked block for) round and
// broadcasts it, then immediately prevotes it: the proposer trivially
// accepts its own proposal rather than waiting on a network round trip
// to itself.
func (e *Engine) proposeLocked(round uint32) []Action {
	var block *types.Block
	lockedRound := int32(-1)
	if e.lockedBlock != nil {
		block = e.lockedBlock
		lockedRound = e.lockedRound
	} else {
		block = e.buildBlockLocked(round)
	}

	proposal := types.Proposal{Height: e.height, Round: round, Block: block, LockedRound: lockedRound}
	e.proposals[round] = &proposal

	actions := []Action{ActionBroadcastProposal{Proposal: proposal}}
	actions = append(actions, e.acceptProposalLocked(round, &proposal)...)
	return actions
}

// nextValidatorSetLocked returns the validator set the block being
// built must carry for the following height.
func (e *Engine) nextValidatorSetLocked() types.ValidatorSet {
	if rot, ok := e.app.(ValidatorRotation); ok {
		if next := rot.NextValidatorSet(e.validators); len(next) > 0 {
			return next
		}
	}
	return e.validators
}

func (e *Engine) buildBlockLocked(round uint32) *types.Block {
	txs := e.mempool.Select(e.maxBlockTxs)
	body := types.BlockBody{
		Transactions:       txs,
		LastBlockConsensus: e.lastCommit,
		NextValidatorSet:   e.nextValidatorSetLocked(),
	}
	appHash := e.parent.Header.AppStateHash
	if e.app != nil {
		// The executor has observed every transaction through the
		// parent by the time this height begins; its digest is what
		// the parent's execution produced.
		appHash = e.app.AppStateHash()
	}
	header := types.BlockHeader{
		Height:                 e.height,
		Timestamp:              e.parent.Header.Timestamp + 1,
		LastBlockHash:          e.parent.Hash(),
		TransactionRoot:        body.Transactions.Hash(),
		LastBlockConsensusRoot: body.LastBlockConsensus.Hash(),
		NextValidatorSetRoot:   body.NextValidatorSet.Hash(),
		AppStateHash:           appHash,
	}
	return &types.Block{Header: header, Body: body}
}

// Propose handles a proposal received from the network for this
// node's own current round (self-authored proposals go through
// proposeLocked instead).
func (e *Engine) Propose(p types.Proposal) ([]Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.Height != e.height || p.Round != e.round {
		return nil, nil // stale or future; dropped silently, not an error
	}
	if e.step != StepPropose {
		return nil, nil
	}
	proposer := e.validators.Proposer(p.Round)
	if proposer.Address == "" {
		return nil, fmt.Errorf("%w: empty validator set", ErrInvalidProposal)
	}
	if p.Block == nil {
		return nil, fmt.Errorf("%w: nil block", ErrInvalidProposal)
	}
	if err := p.Block.ValidateAgainstParent(e.parent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProposal, err)
	}
	if e.app != nil && p.Block.Header.AppStateHash != e.app.AppStateHash() {
		return nil, fmt.Errorf("%w: app state hash does not match local execution", ErrInvalidProposal)
	}
	if e.app != nil && p.Block.Body.NextValidatorSet.Hash() != e.nextValidatorSetLocked().Hash() {
		return nil, fmt.Errorf("%w: next validator set does not match local rotation", ErrInvalidProposal)
	}
	// The proposer's certificate for the parent need not match the one
	// this node assembled vote-for-vote — any quorum is as good as any
	// other, and ValidateAgainstParent has already verified this one.
	// Adopt it if this node has none (it synced to the tip), so it can
	// propose in later rounds of this height.
	if len(e.lastCommit.Votes) == 0 && e.parent.Header.Height > 0 {
		e.lastCommit = p.Block.Body.LastBlockConsensus
	}

	e.proposals[p.Round] = &p
	return e.acceptProposalLocked(p.Round, &p), nil
}

// acceptProposalLocked decides this node's prevote for a just-accepted
// proposal, honoring the locking rule: prevote it unless locked to a
// different block.
func (e *Engine) acceptProposalLocked(round uint32, p *types.Proposal) []Action {
	hash := p.Block.Hash()
	if e.lockedBlock != nil && e.lockedBlock.Hash() != hash {
		return e.castVoteLocked(round, types.VotePrevote, types.Hash{})
	}
	return e.castVoteLocked(round, types.VotePrevote, hash)
}

// castVoteLocked advances the step first and records this node's own
// vote after: recording can cascade (own prevote completes a quorum,
// which precommits, which commits), and that cascade checks the
// current step to decide what to evaluate.
func (e *Engine) castVoteLocked(round uint32, typ types.VoteType, blockHash types.Hash) []Action {
	var actions []Action
	if round == e.round {
		if typ == types.VotePrevote {
			e.step = StepPrevote
			actions = append(actions, scheduleTimeout(e.height, round, StepPrevote,
				geometric(e.cfg.PrevoteBase, e.cfg.PrevoteRate, round)))
		} else {
			e.step = StepPrecommit
			actions = append(actions, scheduleTimeout(e.height, round, StepPrecommit,
				geometric(e.cfg.PrecommitBase, e.cfg.PrecommitRate, round)))
		}
	}
	if e.privIndex >= 0 {
		vote := types.Vote{
			Height:         e.height,
			Round:          round,
			Type:           typ,
			BlockHash:      blockHash,
			ValidatorIndex: e.privIndex,
			Validator:      e.privAddr,
		}
		vote.Sign(e.privKey)
		actions = append(actions, ActionBroadcastVote{Vote: vote})
		actions = append(actions, e.recordVoteLocked(vote)...)
	}
	return actions
}

// Vote handles a prevote or precommit received from the network.
func (e *Engine) Vote(v types.Vote) ([]Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v.ValidatorIndex < 0 {
		return nil, fmt.Errorf("%w: negative validator index", ErrInvalidVote)
	}
	if v.Height > e.height+1 {
		return nil, nil // too far ahead, drop
	}
	if v.Height < e.height {
		return nil, nil // stale height, ignore
	}
	if v.Height == e.height+1 {
		e.futureHeightVotes = append(e.futureHeightVotes, v)
		return nil, nil
	}
	if v.Round > e.round {
		// Buffered until we reach that round; recorded now so the
		// voteset already reflects it once we get there.
		e.ensureVoteSetsLocked(v.Round)
	}
	return e.handleVoteLocked(v), nil
}

func (e *Engine) handleVoteLocked(v types.Vote) []Action {
	return e.recordVoteLocked(v)
}

func (e *Engine) recordVoteLocked(v types.Vote) []Action {
	e.ensureVoteSetsLocked(v.Round)
	var vs *VoteSet
	switch v.Type {
	case types.VotePrevote:
		vs = e.prevotes[v.Round]
	case types.VotePrecommit:
		vs = e.precommits[v.Round]
	default:
		return nil
	}
	if _, _, err := vs.Add(v); err != nil {
		return nil // invalid vote, dropped; a repeat offender is the peer layer's concern
	}

	if v.Round != e.round {
		return nil // counted for a future round, but nothing to evaluate yet
	}
	switch v.Type {
	case types.VotePrevote:
		if e.step == StepPrevote {
			return e.evaluatePrevotesLocked(v.Round)
		}
	case types.VotePrecommit:
		if e.step == StepPrecommit {
			return e.evaluatePrecommitsLocked(v.Round)
		}
	}
	return nil
}

func (e *Engine) evaluatePrevotesLocked(round uint32) []Action {
	vs := e.prevotes[round]
	if hash, ok := vs.TwoThirdsMajority(); ok {
		return e.enterPrecommitLocked(round, hash)
	}
	if vs.HasQuorumOfAny() && !e.prevoteTimeoutArmed[round] {
		e.prevoteTimeoutArmed[round] = true
		return []Action{scheduleTimeout(e.height, round, StepPrevote,
			geometric(e.cfg.PrevoteBase, e.cfg.PrevoteRate, round))}
	}
	return nil
}

// enterPrecommitLocked is reached once prevotes for round converge
// (on a real block or on nil): lock onto a real block, or release any
// stale lock from an earlier round when a later round's prevotes
// converged on something else.
func (e *Engine) enterPrecommitLocked(round uint32, hash types.Hash) []Action {
	if hash.IsZero() {
		return e.castVoteLocked(round, types.VotePrecommit, types.Hash{})
	}
	p, have := e.proposals[round]
	if !have || p.Block.Hash() != hash {
		// Quorum exists for a block this node never saw; it cannot
		// precommit what it cannot validate, but the quorum proves
		// the old lock (if any, from an earlier round) no longer holds.
		if e.lockedBlock != nil && e.lockedBlock.Hash() != hash && int32(round) > e.lockedRound {
			e.lockedRound = -1
			e.lockedBlock = nil
		}
		return e.castVoteLocked(round, types.VotePrecommit, types.Hash{})
	}
	e.lockedRound = int32(round)
	e.lockedBlock = p.Block
	return e.castVoteLocked(round, types.VotePrecommit, hash)
}

func (e *Engine) evaluatePrecommitsLocked(round uint32) []Action {
	vs := e.precommits[round]
	if hash, ok := vs.TwoThirdsMajority(); ok && !hash.IsZero() {
		p, have := e.proposals[round]
		if have && p.Block.Hash() == hash {
			// StepCommit stops further precommits at this round from
			// re-emitting the commit; the driver advances the height.
			e.step = StepCommit
			commit := vs.ToCommit(hash)
			block := *p.Block
			return []Action{ActionCommit{Block: &block, Commit: commit}}
		}
	}
	if vs.HasQuorumOfAny() && !e.precommitTimeoutArmed[round] {
		e.precommitTimeoutArmed[round] = true
		return []Action{scheduleTimeout(e.height, round, StepPrecommit,
			geometric(e.cfg.PrecommitBase, e.cfg.PrecommitRate, round))}
	}
	return nil
}

// Timeout handles an armed timer firing. Stale timers (height/round/
// step no longer current) are ignored, since the engine may have
// already progressed past them via quorum.
func (e *Engine) Timeout(ev EventTimeout) []Action {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.Height != e.height || ev.Round != e.round || ev.Step != e.step {
		return nil
	}
	switch ev.Step {
	case StepPropose:
		return e.castVoteLocked(e.round, types.VotePrevote, types.Hash{})
	case StepPrevote:
		return e.castVoteLocked(e.round, types.VotePrecommit, types.Hash{})
	case StepPrecommit:
		return e.enterRoundLocked(e.round + 1)
	default:
		return nil
	}
}

func scheduleTimeout(height int64, round uint32, step Step, d time.Duration) Action {
	return ActionScheduleTimeout{Height: height, Round: round, Step: step, Duration: d}
}
