// Package store provides the storage interface and implementations for the orchestrator.
// The relational layer is treated as an opaque key-addressed store; MemoryStore
// backs development and tests and the sqlite sub-package backs experiments.
package store

import (
	"context"
	"errors"

	"github.com/loanpilot/orchestrator/pkg/models"
)

// Store is the primary storage interface. Component code depends on the
// narrow sub-interfaces so implementations can be swapped per concern.
type Store interface {
	AgentStore
	ToolStore
	EventStore
	InvocationStore
	ToolCallStore
	LedgerStore
	ExperimentStore
	EmailStore
	ProfileStore
	ReconciliationStore
	TaskStore

	// Ping checks if the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	ListAgents(ctx context.Context, filter models.AgentFilter) ([]models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	CreateAgent(ctx context.Context, agent *models.Agent) error
	// UpdateAgent fails with ErrVersionConflict when agent.Version is stale.
	UpdateAgent(ctx context.Context, agent *models.Agent) error
}

// ── Tool Store ──────────────────────────────────────────────

type ToolStore interface {
	ListTools(ctx context.Context) ([]models.Tool, error)
	// GetTool returns the highest registered version.
	GetTool(ctx context.Context, name string) (*models.Tool, error)
	// CreateTool fails with ErrDuplicate when (name, version) exists.
	CreateTool(ctx context.Context, tool *models.Tool) error
}

// ── Event Store ─────────────────────────────────────────────

type EventStore interface {
	// CreateEvent fails with ErrDuplicate when the event_id exists.
	CreateEvent(ctx context.Context, event *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
}

// ── Invocation Store ────────────────────────────────────────

type InvocationStore interface {
	CreateInvocation(ctx context.Context, inv *models.Invocation) error
	GetInvocation(ctx context.Context, id string) (*models.Invocation, error)
	// UpdateInvocation is optimistic: inv.Version must match the stored row,
	// which is then bumped. Terminal rows reject state changes.
	UpdateInvocation(ctx context.Context, inv *models.Invocation) error
	ListInvocations(ctx context.Context, filter models.InvocationFilter) ([]models.Invocation, error)
}

// ── Tool Call Store ─────────────────────────────────────────

type ToolCallStore interface {
	CreateToolCall(ctx context.Context, call *models.ToolCall) error
	// FinishToolCall fails with ErrImmutable when the call already finished.
	FinishToolCall(ctx context.Context, call *models.ToolCall) error
	GetToolCall(ctx context.Context, id string) (*models.ToolCall, error)
	ListToolCalls(ctx context.Context, invocationID string) ([]models.ToolCall, error)
}

// ── Ledger Store ────────────────────────────────────────────

type LedgerStore interface {
	// AppendAction is write-once per action_id.
	AppendAction(ctx context.Context, record *models.ActionRecord) error
	GetAction(ctx context.Context, id string) (*models.ActionRecord, error)
	GetActionByInvocation(ctx context.Context, invocationID string) (*models.ActionRecord, error)
	// UpdateActionOutcome changes only the fields OutcomeUpdate carries.
	UpdateActionOutcome(ctx context.Context, id string, update models.OutcomeUpdate) (*models.ActionRecord, error)
	ListActions(ctx context.Context, filter models.ActionFilter) ([]models.ActionRecord, error)

	GetRollup(ctx context.Context, date, agentID string) (*models.DailyRollup, error)
	PutRollup(ctx context.Context, rollup *models.DailyRollup) error
}

// ── Experiment Store ────────────────────────────────────────

type ExperimentStore interface {
	// CreateExperiment fails with ErrDuplicate when the name is taken.
	CreateExperiment(ctx context.Context, exp *models.Experiment) error
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	GetExperimentByName(ctx context.Context, name string) (*models.Experiment, error)
	ListExperiments(ctx context.Context) ([]models.Experiment, error)
	UpdateExperiment(ctx context.Context, exp *models.Experiment) error

	// InsertAssignmentIfAbsent stores a when no assignment exists for
	// (experiment, subject); otherwise it returns the existing row and false.
	InsertAssignmentIfAbsent(ctx context.Context, a *models.Assignment) (*models.Assignment, bool, error)
	GetAssignment(ctx context.Context, experimentID, subjectID string) (*models.Assignment, error)
	CountAssignments(ctx context.Context, experimentID string) (map[string]int, error)

	AppendResult(ctx context.Context, r *models.Result) error
	ListResults(ctx context.Context, experimentID, metric string) ([]models.Result, error)
	CountResults(ctx context.Context, experimentID string) (map[string]int, error)

	CreateInsight(ctx context.Context, in *models.Insight) error
	LatestInsight(ctx context.Context, experimentID string) (*models.Insight, error)
}

// ── Email Store ─────────────────────────────────────────────

type EmailStore interface {
	CreateEmail(ctx context.Context, email *models.EmailInteraction) error
	GetEmail(ctx context.Context, id string) (*models.EmailInteraction, error)
	UpdateEmail(ctx context.Context, email *models.EmailInteraction) error
	ListEmails(ctx context.Context, status models.SyncStatus, limit int) ([]models.EmailInteraction, error)
}

// ── Profile Store ───────────────────────────────────────────

type ProfileStore interface {
	CreateProfile(ctx context.Context, p *models.Profile) error
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
	ListProfiles(ctx context.Context, profileType models.ProfileType, limit int) ([]models.Profile, error)
	// FindProfiles returns profiles whose normalized field equals value.
	FindProfiles(ctx context.Context, profileType models.ProfileType, field, value string) ([]models.Profile, error)

	// ApplyFieldUpdate mutates one field and appends exactly one history row
	// atomically. expectedVersion must match the stored profile.
	ApplyFieldUpdate(ctx context.Context, profileID string, expectedVersion int, update models.FieldUpdate) (*models.Profile, *models.FieldUpdateHistory, error)
	ListFieldHistory(ctx context.Context, profileID string) ([]models.FieldUpdateHistory, error)
}

// ── Reconciliation Store ────────────────────────────────────

type ReconciliationStore interface {
	CreateConflict(ctx context.Context, c *models.DataConflict) error
	GetConflict(ctx context.Context, id string) (*models.DataConflict, error)
	UpdateConflict(ctx context.Context, c *models.DataConflict) error
	ListConflicts(ctx context.Context, filter models.ConflictFilter) ([]models.DataConflict, error)

	CreatePendingExtraction(ctx context.Context, p *models.PendingExtraction) error
	ListPendingExtractions(ctx context.Context, status models.ConflictStatus) ([]models.PendingExtraction, error)
}

// ── Task Store ──────────────────────────────────────────────

type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	ListTasks(ctx context.Context, entityType, entityID string) ([]models.Task, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrDuplicate is returned when a unique key already exists.
type ErrDuplicate struct {
	Entity string
	Key    string
}

func (e *ErrDuplicate) Error() string {
	return e.Entity + " already exists: " + e.Key
}

// ErrImmutable is returned when a write-once row would change.
type ErrImmutable struct {
	Entity string
	Key    string
	Reason string
}

func (e *ErrImmutable) Error() string {
	return e.Entity + " " + e.Key + " is immutable: " + e.Reason
}

// ErrVersionConflict is returned by optimistic updates on a stale version.
var ErrVersionConflict = errors.New("version conflict")

// IsNotFound reports whether err is an *ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsDuplicate reports whether err is an *ErrDuplicate.
func IsDuplicate(err error) bool {
	var d *ErrDuplicate
	return errors.As(err, &d)
}
