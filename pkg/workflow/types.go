package workflow

import (
	"encoding/json"
	"time"

	"github.com/platinummonkey/procurement/pkg/apperr"
)

// MaxLineageDepth bounds history traversal of a version chain
const MaxLineageDepth = 1000

// TriggerType names the class of requests a workflow applies to. Request
// creation code interprets it together with the trigger conditions.
type TriggerType string

const (
	TriggerManual          TriggerType = "manual"
	TriggerAlways          TriggerType = "always"
	TriggerAmountThreshold TriggerType = "amount_threshold"
	TriggerCategory        TriggerType = "category"
	TriggerSite            TriggerType = "site"
)

// Valid reports whether t is a known trigger type
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerAlways, TriggerAmountThreshold, TriggerCategory, TriggerSite:
		return true
	}
	return false
}

// Workflow is one immutable version of an approval workflow. Versions of the
// same logical workflow share a LineageID and link backwards via ParentWorkflowID.
type Workflow struct {
	ID                int64           `json:"id"`
	OrganizationID    int64           `json:"organization_id"`
	LineageID         string          `json:"lineage_id"`
	Name              string          `json:"name"`
	Description       string          `json:"description,omitempty"`
	TriggerType       TriggerType     `json:"trigger_type"`
	TriggerConditions json.RawMessage `json:"trigger_conditions,omitempty"`
	IsDefault         bool            `json:"is_default"`
	IsActive          bool            `json:"is_active"`
	Version           int             `json:"version"`
	ParentWorkflowID  *int64          `json:"parent_workflow_id,omitempty"`
	CreatedBy         int64           `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`

	Levels []Level `json:"levels,omitempty"`
}

// Level is one sequential gate of a workflow version
type Level struct {
	ID         int64     `json:"id"`
	WorkflowID int64     `json:"workflow_id"`
	LevelOrder int       `json:"level_order"`
	RoleID     int64     `json:"role_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// LevelInput describes a level to create
type LevelInput struct {
	LevelOrder int   `json:"level_order"`
	RoleID     int64 `json:"role_id"`
}

// ChangeLog is an append-only record of a change to a workflow lineage
type ChangeLog struct {
	ID             int64     `json:"id"`
	WorkflowID     int64     `json:"workflow_id"`
	OrganizationID int64     `json:"organization_id"`
	ActorID        int64     `json:"actor_id"`
	Summary        string    `json:"summary"`
	CreatedAt      time.Time `json:"created_at"`
}

// History is a version chain and its change log, most recent first
type History struct {
	Versions []*Workflow  `json:"versions"`
	Changes  []*ChangeLog `json:"changes"`
}

// CreateInput describes a new workflow
type CreateInput struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	TriggerType       TriggerType     `json:"trigger_type"`
	TriggerConditions json.RawMessage `json:"trigger_conditions,omitempty"`
	IsDefault         bool            `json:"is_default"`
	// IsActive defaults to true
	IsActive *bool        `json:"is_active,omitempty"`
	Levels   []LevelInput `json:"levels"`
}

// Patch lists the edits applied to the new version created by Update.
// Nil fields are left as copied from the previous version. A non-nil Levels
// replaces the whole level list.
type Patch struct {
	Name              *string         `json:"name,omitempty"`
	Description       *string         `json:"description,omitempty"`
	TriggerType       *TriggerType    `json:"trigger_type,omitempty"`
	TriggerConditions json.RawMessage `json:"trigger_conditions,omitempty"`
	IsDefault         *bool           `json:"is_default,omitempty"`
	Levels            []LevelInput    `json:"levels,omitempty"`
	Summary           string          `json:"summary,omitempty"`
}

func (in CreateInput) validate() error {
	if in.Name == "" {
		return apperr.Validation("workflow name is required")
	}
	if in.TriggerType == "" {
		return apperr.Validation("trigger type is required")
	}
	if !in.TriggerType.Valid() {
		return apperr.Validation("unknown trigger type %q", in.TriggerType)
	}
	if err := validateConditions(in.TriggerConditions); err != nil {
		return err
	}
	return ValidateLevels(in.Levels)
}

func (p Patch) validate() error {
	if p.Name != nil && *p.Name == "" {
		return apperr.Validation("workflow name cannot be empty")
	}
	if p.TriggerType != nil && !p.TriggerType.Valid() {
		return apperr.Validation("unknown trigger type %q", *p.TriggerType)
	}
	if err := validateConditions(p.TriggerConditions); err != nil {
		return err
	}
	if p.Levels != nil {
		return ValidateLevels(p.Levels)
	}
	return nil
}

func validateConditions(raw json.RawMessage) error {
	if len(raw) > 0 && !json.Valid(raw) {
		return apperr.Validation("trigger conditions must be valid JSON")
	}
	return nil
}

// ValidateLevels checks that level orders are exactly 1..n and every level names a role.
// The levels may be given in any order.
func ValidateLevels(levels []LevelInput) error {
	seen := make(map[int]bool, len(levels))
	for _, l := range levels {
		if l.RoleID <= 0 {
			return apperr.Validation("level %d must reference a role", l.LevelOrder)
		}
		if l.LevelOrder < 1 || l.LevelOrder > len(levels) {
			return apperr.Validation("level orders must be contiguous starting at 1, got %d", l.LevelOrder)
		}
		if seen[l.LevelOrder] {
			return apperr.Validation("duplicate level order %d", l.LevelOrder)
		}
		seen[l.LevelOrder] = true
	}
	return nil
}
