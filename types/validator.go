package types

import "encoding/json"

// Validator is a single member of a ValidatorSet: an address and its
// share of voting power.
type Validator struct {
	Address     string `json:"address"` // hex-encoded ed25519 public key
	VotingPower uint64 `json:"voting_power"`
}

// ValidatorSet is the ordered set of validators for a height. Order is
// significant: it determines round-robin proposer selection.
type ValidatorSet []Validator

// TotalPower returns the sum of voting power across all validators.
func (vs ValidatorSet) TotalPower() uint64 {
	var total uint64
	for _, v := range vs {
		total += v.VotingPower
	}
	return total
}

// Threshold returns the minimum power a quorum must exceed: strictly
// more than two-thirds of total voting power.
func (vs ValidatorSet) Threshold() uint64 {
	return (2 * vs.TotalPower()) / 3
}

// HasQuorum reports whether power is a Byzantine-fault-tolerant quorum,
// i.e. strictly greater than Threshold().
func (vs ValidatorSet) HasQuorum(power uint64) bool {
	return power > vs.Threshold()
}

// IndexOf returns the index of the validator with the given address, or
// -1 if not present.
func (vs ValidatorSet) IndexOf(address string) int {
	for i, v := range vs {
		if v.Address == address {
			return i
		}
	}
	return -1
}

// Proposer returns the validator chosen to propose at round for this
// validator set, selected round-robin weighted by voting power: the
// priority-based selection below is replayed from its initial state for
// round+1 picks, so that validators with more power propose proportionally more often over a
// long run of rounds, while still cycling every validator into the
// rotation.
func (vs ValidatorSet) Proposer(round uint32) Validator {
	total := vs.TotalPower()
	if total == 0 || len(vs) == 0 {
		return Validator{}
	}
	// Weighted round robin: accumulate each validator's power into a
	// running priority and pick the highest, decrementing by total
	// power each pick — classic Tendermint-style proposer selection,
	// done iteratively here since rounds are small in practice.
	priorities := make([]int64, len(vs))
	for i, v := range vs {
		priorities[i] = int64(v.VotingPower)
	}
	var proposerIdx int
	for step := uint32(0); step <= round; step++ {
		for i, v := range vs {
			priorities[i] += int64(v.VotingPower)
		}
		best := 0
		for i := range vs {
			if priorities[i] > priorities[best] {
				best = i
			}
		}
		priorities[best] -= int64(total)
		proposerIdx = best
	}
	return vs[proposerIdx]
}

// Hash returns a deterministic root over the validator set's canonical
// JSON encoding (order-sensitive, matching the order used by Proposer).
func (vs ValidatorSet) Hash() Hash {
	data, _ := json.Marshal(vs)
	return HashBytes(data)
}
