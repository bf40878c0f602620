package consensus

import (
	"time"

	"github.com/tolelom/tolbft/types"
)

// Step identifies where in a round the engine currently is.
type Step uint8

const (
	StepPropose Step = iota + 1
	StepPrevote
	StepPrecommit
	StepCommit
)

func (s Step) String() string {
	switch s {
	case StepPropose:
		return "propose"
	case StepPrevote:
		return "prevote"
	case StepPrecommit:
		return "precommit"
	case StepCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Config holds the geometric timeout schedule: timeout(round) =
// base * rate^round, so later rounds wait longer and eventual network
// synchrony guarantees some round completes.
type Config struct {
	ProposeBase   time.Duration
	ProposeRate   float64
	PrevoteBase   time.Duration
	PrevoteRate   float64
	PrecommitBase time.Duration
	PrecommitRate float64
}

// DefaultConfig returns the default timeout schedule: 3000ms propose,
// 1000ms prevote and precommit, growing 1.2x per round.
func DefaultConfig() Config {
	return Config{
		ProposeBase:   3000 * time.Millisecond,
		ProposeRate:   1.2,
		PrevoteBase:   1000 * time.Millisecond,
		PrevoteRate:   1.2,
		PrecommitBase: 1000 * time.Millisecond,
		PrecommitRate: 1.2,
	}
}

func geometric(base time.Duration, rate float64, round uint32) time.Duration {
	d := float64(base)
	for i := uint32(0); i < round; i++ {
		d *= rate
	}
	return time.Duration(d)
}

// Event is anything that can drive a step transition.
type Event interface{ isEvent() }

// EventEnterHeight starts consensus at a new height.
type EventEnterHeight struct{ Height int64 }

// EventProposal is a proposal received from the network (or
// self-authored, for the proposer).
type EventProposal struct{ Proposal types.Proposal }

// EventVote is a prevote or precommit received from the network (or
// self-authored).
type EventVote struct{ Vote types.Vote }

// EventTimeout fires when an armed step timer expires. Round and Step
// identify which timer, so stale timers (from a round already left)
// are ignored.
type EventTimeout struct {
	Height int64
	Round  uint32
	Step   Step
}

func (EventEnterHeight) isEvent() {}
func (EventProposal) isEvent()    {}
func (EventVote) isEvent()        {}
func (EventTimeout) isEvent()     {}

// Action is something the driver must do in response to a step:
// broadcast a message, arm a timer, or persist a commit. Actions are
// returned by Step rather than performed inside it, so the engine
// itself has no network or timer dependency and is unit-testable.
type Action interface{ isAction() }

// ActionBroadcastProposal asks the driver to gossip a proposal.
type ActionBroadcastProposal struct{ Proposal types.Proposal }

// ActionBroadcastVote asks the driver to gossip a vote.
type ActionBroadcastVote struct{ Vote types.Vote }

// ActionScheduleTimeout asks the driver to arm a timer for Height/
// Round/Step that fires EventTimeout after Duration.
type ActionScheduleTimeout struct {
	Height   int64
	Round    uint32
	Step     Step
	Duration time.Duration
}

// ActionCommit asks the driver to persist Block, record Commit as the
// certificate that finalized it (so the next height's proposer can
// embed it as that block's LastBlockConsensus), and advance to the
// next height.
type ActionCommit struct {
	Block  *types.Block
	Commit types.Commit
}

func (ActionBroadcastProposal) isAction() {}
func (ActionBroadcastVote) isAction()     {}
func (ActionScheduleTimeout) isAction()   {}
func (ActionCommit) isAction()            {}
