package contracts

import "time"

// EventType names the notifications published to external subscribers.
type EventType string

// Event types.
const (
	EventPolicyChanged   EventType = "policy.changed"
	EventProposalDecided EventType = "proposal.decided"
)

// PolicyChangedEvent is published after every current-pointer move,
// whether from an approval, an auto-apply, or a rollback.
type PolicyChangedEvent struct {
	PolicyID   string    `json:"policy_id"`
	NewVersion int64     `json:"new_version"`
	Rollback   bool      `json:"rollback,omitempty"`
	ChangedAt  time.Time `json:"changed_at"`
}

// ProposalDecidedEvent is published when a proposal reaches a terminal
// disposition or is escalated.
type ProposalDecidedEvent struct {
	ProposalID string         `json:"proposal_id"`
	PolicyID   string         `json:"policy_id"`
	Action     DecisionAction `json:"action"`
	DecidedAt  time.Time      `json:"decided_at"`
}
