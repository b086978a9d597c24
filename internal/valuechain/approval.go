package valuechain

// InitialStatus is the approval status of a chain created by an author with or
// without the approve capability.
func InitialStatus(canApprove bool) ApprovalStatus {
	if canApprove {
		return StatusApproved
	}
	return StatusPending
}

// Transition applies a review decision. Repeating a decision reports changed=false;
// reversing a terminal decision is rejected.
func Transition(current, target ApprovalStatus) (changed bool, err error) {
	if target != StatusApproved && target != StatusRejected {
		return false, invalid("cannot move a chain to %q", target)
	}
	switch current {
	case StatusPending:
		return true, nil
	case target:
		return false, nil
	case StatusApproved, StatusRejected:
		return false, invalid("chain is already %s", current)
	default:
		return false, invalid("chain has unknown approval status %q", current)
	}
}
