// Package contracts defines the shared data model of the governance
// pipeline: signed policy versions, proposals and their sources, reviewer
// decisions, and the audit ledger entry shape.
package contracts

import (
	"encoding/json"
	"time"
)

// Policy is an immutable, signed, versioned unit of effective rule content.
// Once written, a (PolicyID, Version) pair never changes; the only mutable
// state is the current-version pointer held by the policy store.
type Policy struct {
	PolicyID    string          `json:"policy_id"`
	Version     int64           `json:"version"`
	Content     json.RawMessage `json:"content"`
	ContentHash string          `json:"content_hash"`
	Signature   string          `json:"signature"`
	SignerKeyID string          `json:"signer_key_id"`
	CreatedAt   time.Time       `json:"created_at"`
	CreatedBy   string          `json:"created_by"`
}

// VersionPointer maps a policy id to its current effective version.
type VersionPointer struct {
	PolicyID       string    `json:"policy_id"`
	CurrentVersion int64     `json:"current_version"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SourceKind discriminates the proposal source variants.
type SourceKind string

// SourceKind constants.
const (
	SourceHuman SourceKind = "HUMAN"
	SourceAgent SourceKind = "AGENT"
)

// Source is the tagged origin of a proposal. A confidence score exists
// only for agent-sourced proposals; use the constructors so the invariant
// holds by construction.
type Source struct {
	Kind       SourceKind `json:"kind"`
	ActorID    string     `json:"actor_id,omitempty"`
	AgentID    string     `json:"agent_id,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
}

// HumanSource builds a human-origin source.
func HumanSource(actorID string) Source {
	return Source{Kind: SourceHuman, ActorID: actorID}
}

// AgentSource builds an agent-origin source with a 0..1 confidence score.
func AgentSource(agentID string, confidence float64) Source {
	return Source{Kind: SourceAgent, AgentID: agentID, Confidence: confidence}
}

// Actor returns the identity string for audit attribution.
func (s Source) Actor() string {
	if s.Kind == SourceAgent {
		return "agent:" + s.AgentID
	}
	return "human:" + s.ActorID
}

// Valid reports whether the source carries the fields its kind requires.
func (s Source) Valid() bool {
	switch s.Kind {
	case SourceHuman:
		return s.ActorID != "" && s.Confidence == 0
	case SourceAgent:
		return s.AgentID != "" && s.Confidence >= 0 && s.Confidence <= 1
	default:
		return false
	}
}

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

// Proposal lifecycle states.
const (
	StatusPendingReview ProposalStatus = "PENDING_REVIEW"
	StatusInHumanQueue  ProposalStatus = "IN_HUMAN_QUEUE"
	StatusEscalated     ProposalStatus = "ESCALATED"
	StatusClosed        ProposalStatus = "CLOSED"
)

// Disposition is the terminal outcome recorded when a proposal closes.
type Disposition string

// Terminal dispositions.
const (
	DispositionAutoApproved Disposition = "AUTO_APPROVED"
	DispositionApproved     Disposition = "APPROVED"
	DispositionRejected     Disposition = "REJECTED"
)

// Proposal is a candidate change to a policy. It is immutable once it
// leaves PENDING_REVIEW except for the engine-owned lifecycle fields
// (Status, Tier, Deadline, Disposition, Reason, AppliedVersion).
type Proposal struct {
	ProposalID  string          `json:"proposal_id"`
	PolicyID    string          `json:"policy_id"`
	Source      Source          `json:"source"`
	Payload     json.RawMessage `json:"payload"`
	Status      ProposalStatus  `json:"status"`
	Tier        int             `json:"tier"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Deadline    time.Time       `json:"deadline,omitzero"`

	// Terminal fields, set when Status becomes CLOSED.
	Disposition    Disposition `json:"disposition,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	AppliedVersion int64       `json:"applied_version,omitempty"`
	ClosedAt       time.Time   `json:"closed_at,omitzero"`
}

// Open reports whether the proposal still awaits a terminal outcome.
func (p *Proposal) Open() bool {
	return p.Status != StatusClosed
}

// DecisionAction is a reviewer's verdict on a queued proposal.
type DecisionAction string

// Reviewer actions.
const (
	ActionApprove  DecisionAction = "APPROVE"
	ActionReject   DecisionAction = "REJECT"
	ActionEscalate DecisionAction = "ESCALATE"
)

// Decision records a single reviewer verdict. At most one terminal
// decision (approve or reject) exists per proposal; escalations chain.
type Decision struct {
	DecisionID string         `json:"decision_id"`
	ProposalID string         `json:"proposal_id"`
	ReviewerID string         `json:"reviewer_id"`
	Action     DecisionAction `json:"action"`
	Reason     string         `json:"reason"`
	Tier       int            `json:"tier"`
	DecidedAt  time.Time      `json:"decided_at"`
}

// AuditAction names the pipeline transition an audit entry records.
type AuditAction string

// Audit actions, one per pipeline transition.
const (
	AuditSubmit         AuditAction = "SUBMIT"
	AuditSubmitRejected AuditAction = "SUBMIT_REJECTED"
	AuditAutoApprove    AuditAction = "AUTO_APPROVE"
	AuditEnqueue        AuditAction = "ENQUEUE"
	AuditApprove        AuditAction = "APPROVE"
	AuditReject         AuditAction = "REJECT"
	AuditEscalate       AuditAction = "ESCALATE"
	AuditSLAExpire      AuditAction = "SLA_EXPIRE"
	AuditRollback       AuditAction = "ROLLBACK"
	AuditBootstrap      AuditAction = "BOOTSTRAP"
)

// AuditEntry is one immutable record in the hash-chained ledger.
// Hash covers every other field including PrevHash; entry 0 carries the
// fixed PrevHash "genesis".
type AuditEntry struct {
	EntryID    string      `json:"entry_id"`
	Sequence   uint64      `json:"sequence"`
	Timestamp  time.Time   `json:"timestamp"`
	Actor      string      `json:"actor"`
	Action     AuditAction `json:"action"`
	PayloadRef string      `json:"payload_ref"`
	Details    string      `json:"details,omitempty"`
	PrevHash   string      `json:"prev_hash"`
	Hash       string      `json:"hash"`
}

// GenesisHash is the fixed PrevHash of the first ledger entry.
const GenesisHash = "genesis"
