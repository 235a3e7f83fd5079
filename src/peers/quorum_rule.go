package peers

import "fmt"

// QuorumRule selects how many votes form a quorum.
type QuorumRule uint8

const (
	// TwoThirdsStake requires strictly more than two thirds of the committee
	// weight.
	TwoThirdsStake QuorumRule = iota
	// Majority requires strictly more than half of the committee members,
	// regardless of weight.
	Majority
)

// String ...
func (r QuorumRule) String() string {
	switch r {
	case TwoThirdsStake:
		return "two-thirds-stake"
	case Majority:
		return "majority"
	default:
		return fmt.Sprintf("QuorumRule(%d)", uint8(r))
	}
}

// ParseQuorumRule ...
func ParseQuorumRule(s string) (QuorumRule, error) {
	switch s {
	case "", "two-thirds-stake":
		return TwoThirdsStake, nil
	case "majority":
		return Majority, nil
	}
	return 0, fmt.Errorf("unknown quorum rule %q", s)
}
