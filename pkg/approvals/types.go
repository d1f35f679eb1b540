package approvals

import (
	"time"

	"github.com/platinummonkey/procurement/pkg/apperr"
)

// Status is the state of one approval level of a request
type Status string

const (
	// StatusPending levels can be decided now
	StatusPending Status = "PENDING"
	// StatusAwaiting levels wait for their predecessor
	StatusAwaiting Status = "AWAITING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Terminal reports whether no further transition is possible
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Decision is an approver's verdict on a pending level
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Valid reports whether d is a known decision
func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

// RequestApproval tracks one level of a request's workflow
type RequestApproval struct {
	ID              int64      `json:"id"`
	OrganizationID  int64      `json:"organization_id"`
	RequestID       int64      `json:"request_id"`
	WorkflowID      int64      `json:"workflow_id"`
	LevelOrder      int        `json:"level_order"`
	RoleID          int64      `json:"role_id"`
	Status          Status     `json:"status"`
	ApproverID      *int64     `json:"approver_id,omitempty"`
	ApprovedAt      *time.Time `json:"approved_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DecideInput is one approver action
type DecideInput struct {
	OrganizationID int64    `json:"organization_id"`
	RequestID      int64    `json:"request_id"`
	LevelOrder     int      `json:"level_order"`
	Decision       Decision `json:"decision"`
	ActorID        int64    `json:"actor_id"`
	Reason         string   `json:"reason,omitempty"`
}

func (in DecideInput) validate() error {
	if !in.Decision.Valid() {
		return apperr.Validation("unknown decision %q", in.Decision)
	}
	if in.LevelOrder < 1 {
		return apperr.Validation("level order must be at least 1, got %d", in.LevelOrder)
	}
	if in.ActorID <= 0 {
		return apperr.Validation("actor is required")
	}
	return nil
}

// Outcome summarizes where a request stands in its workflow
type Outcome string

const (
	OutcomePending  Outcome = "pending"
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// OutcomeOf evaluates the terminal rule over a request's approval rows: any
// rejected level rejects the request, and an approved highest level approves
// it. A request without rows stays pending.
func OutcomeOf(rows []*RequestApproval) Outcome {
	var highest *RequestApproval
	for _, row := range rows {
		if row.Status == StatusRejected {
			return OutcomeRejected
		}
		if highest == nil || row.LevelOrder > highest.LevelOrder {
			highest = row
		}
	}
	if highest != nil && highest.Status == StatusApproved {
		return OutcomeApproved
	}
	return OutcomePending
}
