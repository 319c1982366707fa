package store

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loanpilot/orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Agents      map[string]*models.Agent             `json:"agents"`
	Tools       map[string]*models.Tool              `json:"tools"`               // key: name:version
	Events      map[string]*models.Event             `json:"events"`
	Invocations map[string]*models.Invocation        `json:"invocations"`
	ToolCalls   map[string]*models.ToolCall          `json:"tool_calls"`
	Actions     []*models.ActionRecord               `json:"actions"`             // append-only
	Rollups     map[string]*models.DailyRollup       `json:"rollups"`             // key: date:agent
	Experiments map[string]*models.Experiment        `json:"experiments"`
	Assignments map[string]*models.Assignment        `json:"assignments"`         // key: experiment:subject
	Results     []*models.Result                     `json:"results"`
	Insights    []*models.Insight                    `json:"insights"`
	Emails      map[string]*models.EmailInteraction  `json:"emails"`
	Profiles    map[string]*models.Profile           `json:"profiles"`
	History     []*models.FieldUpdateHistory         `json:"history"`
	Conflicts   map[string]*models.DataConflict      `json:"conflicts"`
	Pending     map[string]*models.PendingExtraction `json:"pending_extractions"`
	Tasks       []*models.Task                       `json:"tasks"`
}

// MemoryStore implements Store with in-memory maps. A non-empty data dir
// enables debounced JSON snapshots so data, including experiment
// assignments, survives restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*models.Agent             // key: id
	tools       map[string]*models.Tool              // key: name:version
	events      map[string]*models.Event             // key: event_id
	invocations map[string]*models.Invocation        // key: id
	toolCalls   map[string]*models.ToolCall          // key: id
	actions     []*models.ActionRecord               // append-only, created_at order
	actionIdx   map[string]int                       // action_id → index into actions
	rollups     map[string]*models.DailyRollup       // key: date:agent
	experiments map[string]*models.Experiment        // key: id
	assignments map[string]*models.Assignment        // key: experiment:subject
	results     []*models.Result                     // append-only
	insights    []*models.Insight                    // append-only
	emails      map[string]*models.EmailInteraction  // key: id
	profiles    map[string]*models.Profile           // key: id
	history     []*models.FieldUpdateHistory         // append-only
	conflicts   map[string]*models.DataConflict      // key: id
	pending     map[string]*models.PendingExtraction // key: id
	tasks       []*models.Task

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If LOANPILOT_DATA_DIR is set, data is persisted to a JSON file in that directory.
// Otherwise defaults to ~/.loanpilot/data.json.
func NewMemoryStore() *MemoryStore {
	dataDir := os.Getenv("LOANPILOT_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".loanpilot")
		}
	}
	return NewMemoryStoreAt(dataDir)
}

// NewMemoryStoreAt creates an in-memory store persisting into dataDir.
// An empty dataDir disables persistence.
func NewMemoryStoreAt(dataDir string) *MemoryStore {
	m := &MemoryStore{
		agents:      make(map[string]*models.Agent),
		tools:       make(map[string]*models.Tool),
		events:      make(map[string]*models.Event),
		invocations: make(map[string]*models.Invocation),
		toolCalls:   make(map[string]*models.ToolCall),
		actionIdx:   make(map[string]int),
		rollups:     make(map[string]*models.DailyRollup),
		experiments: make(map[string]*models.Experiment),
		assignments: make(map[string]*models.Assignment),
		emails:      make(map[string]*models.EmailInteraction),
		profiles:    make(map[string]*models.Profile),
		conflicts:   make(map[string]*models.DataConflict),
		pending:     make(map[string]*models.PendingExtraction),
		saveCh:      make(chan struct{}, 1),
		doneCh:      make(chan struct{}),
	}

	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Agents:      m.agents,
		Tools:       m.tools,
		Events:      m.events,
		Invocations: m.invocations,
		ToolCalls:   m.toolCalls,
		Actions:     m.actions,
		Rollups:     m.rollups,
		Experiments: m.experiments,
		Assignments: m.assignments,
		Results:     m.results,
		Insights:    m.insights,
		Emails:      m.emails,
		Profiles:    m.profiles,
		History:     m.history,
		Conflicts:   m.conflicts,
		Pending:     m.pending,
		Tasks:       m.tasks,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}
	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Agents != nil {
		m.agents = snap.Agents
	}
	if snap.Tools != nil {
		m.tools = snap.Tools
	}
	if snap.Events != nil {
		m.events = snap.Events
	}
	if snap.Invocations != nil {
		m.invocations = snap.Invocations
	}
	if snap.ToolCalls != nil {
		m.toolCalls = snap.ToolCalls
	}
	m.actions = snap.Actions
	for i, a := range m.actions {
		m.actionIdx[a.ID] = i
	}
	if snap.Rollups != nil {
		m.rollups = snap.Rollups
	}
	if snap.Experiments != nil {
		m.experiments = snap.Experiments
	}
	if snap.Assignments != nil {
		m.assignments = snap.Assignments
	}
	m.results = snap.Results
	m.insights = snap.Insights
	if snap.Emails != nil {
		m.emails = snap.Emails
	}
	if snap.Profiles != nil {
		m.profiles = snap.Profiles
	}
	m.history = snap.History
	if snap.Conflicts != nil {
		m.conflicts = snap.Conflicts
	}
	if snap.Pending != nil {
		m.pending = snap.Pending
	}
	m.tasks = snap.Tasks

	log.Info().
		Int("agents", len(m.agents)).
		Int("invocations", len(m.invocations)).
		Int("actions", len(m.actions)).
		Int("experiments", len(m.experiments)).
		Int("assignments", len(m.assignments)).
		Int("profiles", len(m.profiles)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func key(parts ...string) string {
	return strings.Join(parts, ":")
}

// clone deep-copies a value through JSON. Used for entities carrying maps
// so callers never alias store state.
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		cp := *v
		return &cp
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		cp := *v
		return &cp
	}
	return &out
}

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) ListAgents(_ context.Context, filter models.AgentFilter) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Agent
	for _, a := range m.agents {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.EventType != "" && !a.SubscribesTo(filter.EventType) {
			continue
		}
		result = append(result, *clone(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	return clone(a), nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	if _, exists := m.agents[agent.ID]; exists {
		m.mu.Unlock()
		return &ErrDuplicate{Entity: "agent", Key: agent.ID}
	}
	cp := clone(agent)
	cp.Version = 1
	m.agents[agent.ID] = cp
	agent.Version = 1
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	existing, ok := m.agents[agent.ID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "agent", Key: agent.ID}
	}
	if existing.Version != agent.Version {
		m.mu.Unlock()
		return ErrVersionConflict
	}
	cp := clone(agent)
	cp.Version = existing.Version + 1
	cp.CreatedAt = existing.CreatedAt
	m.agents[agent.ID] = cp
	agent.Version = cp.Version
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Tool Store ──────────────────────────────────────────────

func (m *MemoryStore) ListTools(_ context.Context) ([]models.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	latest := make(map[string]*models.Tool)
	for _, t := range m.tools {
		if cur, ok := latest[t.Name]; !ok || t.Version > cur.Version {
			latest[t.Name] = t
		}
	}
	result := make([]models.Tool, 0, len(latest))
	for _, t := range latest {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (m *MemoryStore) GetTool(_ context.Context, name string) (*models.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Tool
	for _, t := range m.tools {
		if t.Name == name && (best == nil || t.Version > best.Version) {
			best = t
		}
	}
	if best == nil {
		return nil, &ErrNotFound{Entity: "tool", Key: name}
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) CreateTool(_ context.Context, tool *models.Tool) error {
	k := key(tool.Name, strconv.Itoa(tool.Version))
	m.mu.Lock()
	if _, exists := m.tools[k]; exists {
		m.mu.Unlock()
		return &ErrDuplicate{Entity: "tool", Key: k}
	}
	cp := *tool
	m.tools[k] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Event Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateEvent(_ context.Context, event *models.Event) error {
	m.mu.Lock()
	if _, exists := m.events[event.ID]; exists {
		m.mu.Unlock()
		return &ErrDuplicate{Entity: "event", Key: event.ID}
	}
	m.events[event.ID] = clone(event)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetEvent(_ context.Context, id string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "event", Key: id}
	}
	return clone(e), nil
}

// ── Invocation Store ────────────────────────────────────────

func (m *MemoryStore) CreateInvocation(_ context.Context, inv *models.Invocation) error {
	m.mu.Lock()
	if _, exists := m.invocations[inv.ID]; exists {
		m.mu.Unlock()
		return &ErrDuplicate{Entity: "invocation", Key: inv.ID}
	}
	inv.Version = 1
	m.invocations[inv.ID] = clone(inv)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetInvocation(_ context.Context, id string) (*models.Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invocations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "invocation", Key: id}
	}
	return clone(inv), nil
}

func (m *MemoryStore) UpdateInvocation(_ context.Context, inv *models.Invocation) error {
	m.mu.Lock()
	existing, ok := m.invocations[inv.ID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "invocation", Key: inv.ID}
	}
	if existing.Version != inv.Version {
		m.mu.Unlock()
		return ErrVersionConflict
	}
	if existing.State.Terminal() && !onlyOutcomeChanged(existing, inv) {
		m.mu.Unlock()
		return &ErrImmutable{Entity: "invocation", Key: inv.ID,
			Reason: "terminal state " + string(existing.State) + " allows only outcome, customer_response, impact and completed_at to change"}
	}
	inv.Version = existing.Version + 1
	m.invocations[inv.ID] = clone(inv)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// onlyOutcomeChanged reports whether next differs from a terminal invocation
// in the ledger-mutable fields alone.
func onlyOutcomeChanged(existing, next *models.Invocation) bool {
	want := clone(existing)
	want.Outcome = next.Outcome
	want.CustomerResponse = next.CustomerResponse
	want.Impact = next.Impact
	want.CompletedAt = next.CompletedAt
	want.UpdatedAt = next.UpdatedAt
	a, errA := json.Marshal(want)
	b, errB := json.Marshal(next)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (m *MemoryStore) ListInvocations(_ context.Context, filter models.InvocationFilter) ([]models.Invocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Invocation
	for _, inv := range m.invocations {
		if filter.AgentID != "" && inv.AgentID != filter.AgentID {
			continue
		}
		if filter.EventID != "" && inv.EventID != filter.EventID {
			continue
		}
		if filter.Status != "" && string(inv.State) != filter.Status && string(inv.Outcome) != filter.Status {
			continue
		}
		if filter.Since != nil && inv.CreatedAt.Before(*filter.Since) {
			continue
		}
		result = append(result, *clone(inv))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ── Tool Call Store ─────────────────────────────────────────

func (m *MemoryStore) CreateToolCall(_ context.Context, call *models.ToolCall) error {
	m.mu.Lock()
	if _, exists := m.toolCalls[call.ID]; exists {
		m.mu.Unlock()
		return &ErrDuplicate{Entity: "tool_call", Key: call.ID}
	}
	m.toolCalls[call.ID] = clone(call)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) FinishToolCall(_ context.Context, call *models.ToolCall) error {
	m.mu.Lock()
	existing, ok := m.toolCalls[call.ID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "tool_call", Key: call.ID}
	}
	if existing.FinishedAt != nil {
		m.mu.Unlock()
		return &ErrImmutable{Entity: "tool_call", Key: call.ID, Reason: "already finished"}
	}
	m.toolCalls[call.ID] = clone(call)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetToolCall(_ context.Context, id string) (*models.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.toolCalls[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tool_call", Key: id}
	}
	return clone(c), nil
}

func (m *MemoryStore) ListToolCalls(_ context.Context, invocationID string) ([]models.ToolCall, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ToolCall
	for _, c := range m.toolCalls {
		if c.InvocationID == invocationID {
			result = append(result, *clone(c))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartedAt.Before(result[j].StartedAt) })
	return result, nil
}

// ── Ledger Store ────────────────────────────────────────────

func (m *MemoryStore) AppendAction(_ context.Context, record *models.ActionRecord) error {
	m.mu.Lock()
	if _, exists := m.actionIdx[record.ID]; exists {
		m.mu.Unlock()
		return &ErrDuplicate{Entity: "action", Key: record.ID}
	}
	for _, a := range m.actions {
		if a.InvocationID == record.InvocationID {
			m.mu.Unlock()
			return &ErrDuplicate{Entity: "action", Key: "invocation " + record.InvocationID}
		}
	}
	cp := *record
	m.actionIdx[record.ID] = len(m.actions)
	m.actions = append(m.actions, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetAction(_ context.Context, id string) (*models.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.actionIdx[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "action", Key: id}
	}
	cp := *m.actions[i]
	return &cp, nil
}

func (m *MemoryStore) GetActionByInvocation(_ context.Context, invocationID string) (*models.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.actions {
		if a.InvocationID == invocationID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "action", Key: "invocation " + invocationID}
}

func (m *MemoryStore) UpdateActionOutcome(_ context.Context, id string, update models.OutcomeUpdate) (*models.ActionRecord, error) {
	m.mu.Lock()
	i, ok := m.actionIdx[id]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "action", Key: id}
	}
	a := m.actions[i]
	if update.Outcome != nil {
		a.Outcome = *update.Outcome
	}
	if update.CustomerResponse != nil {
		a.CustomerResponse = *update.CustomerResponse
	}
	if update.Impact != nil {
		a.Impact = *update.Impact
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		a.CompletedAt = &t
	}
	cp := *a
	m.mu.Unlock()
	m.requestSave()
	return &cp, nil
}

func (m *MemoryStore) ListActions(_ context.Context, filter models.ActionFilter) ([]models.ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.ActionRecord
	for _, a := range m.actions {
		if filter.AgentID != "" && a.AgentID != filter.AgentID {
			continue
		}
		if filter.Outcome != "" && a.Outcome != filter.Outcome {
			continue
		}
		if filter.Since != nil && a.CreatedAt.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && !a.CreatedAt.Before(*filter.Until) {
			continue
		}
		result = append(result, *a)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) GetRollup(_ context.Context, date, agentID string) (*models.DailyRollup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rollups[key(date, agentID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "rollup", Key: key(date, agentID)}
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) PutRollup(_ context.Context, rollup *models.DailyRollup) error {
	m.mu.Lock()
	cp := *rollup
	m.rollups[key(rollup.Date, rollup.AgentID)] = &cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Experiment Store ────────────────────────────────────────

func (m *MemoryStore) CreateExperiment(_ context.Context, exp *models.Experiment) error {
	m.mu.Lock()
	for _, e := range m.experiments {
		if e.Name == exp.Name {
			m.mu.Unlock()
			return &ErrDuplicate{Entity: "experiment", Key: exp.Name}
		}
	}
	m.experiments[exp.ID] = clone(exp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetExperiment(_ context.Context, id string) (*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.experiments[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "experiment", Key: id}
	}
	return clone(e), nil
}

func (m *MemoryStore) GetExperimentByName(_ context.Context, name string) (*models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.experiments {
		if e.Name == name {
			return clone(e), nil
		}
	}
	return nil, &ErrNotFound{Entity: "experiment", Key: name}
}

func (m *MemoryStore) ListExperiments(_ context.Context) ([]models.Experiment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Experiment, 0, len(m.experiments))
	for _, e := range m.experiments {
		result = append(result, *clone(e))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) UpdateExperiment(_ context.Context, exp *models.Experiment) error {
	m.mu.Lock()
	if _, ok := m.experiments[exp.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "experiment", Key: exp.ID}
	}
	m.experiments[exp.ID] = clone(exp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) InsertAssignmentIfAbsent(_ context.Context, a *models.Assignment) (*models.Assignment, bool, error) {
	k := key(a.ExperimentID, a.SubjectID)
	m.mu.Lock()
	if existing, ok := m.assignments[k]; ok {
		cp := *existing
		m.mu.Unlock()
		return &cp, false, nil
	}
	m.assignments[k] = clone(a)
	m.mu.Unlock()
	m.requestSave()
	cp := *a
	return &cp, true, nil
}

func (m *MemoryStore) GetAssignment(_ context.Context, experimentID, subjectID string) (*models.Assignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[key(experimentID, subjectID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "assignment", Key: key(experimentID, subjectID)}
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) CountAssignments(_ context.Context, experimentID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, a := range m.assignments {
		if a.ExperimentID == experimentID {
			counts[a.VariantID]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) AppendResult(_ context.Context, r *models.Result) error {
	m.mu.Lock()
	cp := *r
	m.results = append(m.results, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListResults(_ context.Context, experimentID, metric string) ([]models.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Result
	for _, r := range m.results {
		if r.ExperimentID != experimentID {
			continue
		}
		if metric != "" && r.MetricName != metric {
			continue
		}
		result = append(result, *r)
	}
	return result, nil
}

func (m *MemoryStore) CountResults(_ context.Context, experimentID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int)
	for _, r := range m.results {
		if r.ExperimentID == experimentID {
			counts[r.VariantID]++
		}
	}
	return counts, nil
}

func (m *MemoryStore) CreateInsight(_ context.Context, in *models.Insight) error {
	m.mu.Lock()
	m.insights = append(m.insights, clone(in))
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) LatestInsight(_ context.Context, experimentID string) (*models.Insight, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.insights) - 1; i >= 0; i-- {
		if m.insights[i].ExperimentID == experimentID {
			return clone(m.insights[i]), nil
		}
	}
	return nil, &ErrNotFound{Entity: "insight", Key: experimentID}
}

// ── Email Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateEmail(_ context.Context, email *models.EmailInteraction) error {
	m.mu.Lock()
	if _, exists := m.emails[email.ID]; exists {
		m.mu.Unlock()
		return &ErrDuplicate{Entity: "email", Key: email.ID}
	}
	cp := clone(email)
	cp.RawEmail = email.RawEmail
	m.emails[email.ID] = cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetEmail(_ context.Context, id string) (*models.EmailInteraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.emails[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "email", Key: id}
	}
	cp := clone(e)
	cp.RawEmail = e.RawEmail
	return cp, nil
}

func (m *MemoryStore) UpdateEmail(_ context.Context, email *models.EmailInteraction) error {
	m.mu.Lock()
	existing, ok := m.emails[email.ID]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "email", Key: email.ID}
	}
	cp := clone(email)
	cp.RawEmail = email.RawEmail
	if cp.RawEmail == "" && cp.ScrubbedAt == nil {
		cp.RawEmail = existing.RawEmail
	}
	m.emails[email.ID] = cp
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListEmails(_ context.Context, status models.SyncStatus, limit int) ([]models.EmailInteraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.EmailInteraction
	for _, e := range m.emails {
		if status != "" && e.SyncStatus != status {
			continue
		}
		result = append(result, *clone(e))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ── Profile Store ───────────────────────────────────────────

func (m *MemoryStore) CreateProfile(_ context.Context, p *models.Profile) error {
	m.mu.Lock()
	if _, exists := m.profiles[p.ID]; exists {
		m.mu.Unlock()
		return &ErrDuplicate{Entity: "profile", Key: p.ID}
	}
	if p.Fields == nil {
		p.Fields = map[string]interface{}{}
	}
	p.Version = 1
	m.profiles[p.ID] = clone(p)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "profile", Key: id}
	}
	return clone(p), nil
}

func (m *MemoryStore) ListProfiles(_ context.Context, profileType models.ProfileType, limit int) ([]models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Profile
	for _, p := range m.profiles {
		if profileType != "" && p.Type != profileType {
			continue
		}
		result = append(result, *clone(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) FindProfiles(_ context.Context, profileType models.ProfileType, field, value string) ([]models.Profile, error) {
	want := models.NormalizeIdentity(field, value)
	if want == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Profile
	for _, p := range m.profiles {
		if profileType != "" && p.Type != profileType {
			continue
		}
		if models.NormalizeIdentity(field, p.FieldString(field)) == want {
			result = append(result, *clone(p))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) ApplyFieldUpdate(_ context.Context, profileID string, expectedVersion int, update models.FieldUpdate) (*models.Profile, *models.FieldUpdateHistory, error) {
	m.mu.Lock()
	p, ok := m.profiles[profileID]
	if !ok {
		m.mu.Unlock()
		return nil, nil, &ErrNotFound{Entity: "profile", Key: profileID}
	}
	if p.Version != expectedVersion {
		m.mu.Unlock()
		return nil, nil, ErrVersionConflict
	}

	now := time.Now().UTC()
	var old interface{}
	if update.Field == "status" {
		old = p.Status
		p.Status = models.ValueString(update.Value)
	} else {
		old = p.Fields[update.Field]
		p.Fields[update.Field] = update.Value
	}
	p.Version++
	p.UpdatedAt = now

	h := &models.FieldUpdateHistory{
		ID:          uuid.NewString(),
		ProfileID:   p.ID,
		ProfileType: p.Type,
		Field:       update.Field,
		OldValue:    old,
		NewValue:    update.Value,
		Source:      update.Source,
		Confidence:  update.Confidence,
		ReferenceID: update.ReferenceID,
		CreatedAt:   now,
	}
	m.history = append(m.history, h)
	pc := clone(p)
	hc := *h
	m.mu.Unlock()
	m.requestSave()
	return pc, &hc, nil
}

func (m *MemoryStore) ListFieldHistory(_ context.Context, profileID string) ([]models.FieldUpdateHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.FieldUpdateHistory
	for _, h := range m.history {
		if profileID == "" || h.ProfileID == profileID {
			result = append(result, *h)
		}
	}
	return result, nil
}

// ── Reconciliation Store ────────────────────────────────────

func (m *MemoryStore) CreateConflict(_ context.Context, c *models.DataConflict) error {
	m.mu.Lock()
	if _, exists := m.conflicts[c.ID]; exists {
		m.mu.Unlock()
		return &ErrDuplicate{Entity: "conflict", Key: c.ID}
	}
	m.conflicts[c.ID] = clone(c)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) GetConflict(_ context.Context, id string) (*models.DataConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conflict", Key: id}
	}
	return clone(c), nil
}

func (m *MemoryStore) UpdateConflict(_ context.Context, c *models.DataConflict) error {
	m.mu.Lock()
	if _, ok := m.conflicts[c.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "conflict", Key: c.ID}
	}
	m.conflicts[c.ID] = clone(c)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListConflicts(_ context.Context, filter models.ConflictFilter) ([]models.DataConflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.DataConflict
	for _, c := range m.conflicts {
		if filter.ProfileType != "" && c.ProfileType != filter.ProfileType {
			continue
		}
		if filter.Urgency != "" && c.Urgency != filter.Urgency {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.ProfileID != "" && c.ProfileID != filter.ProfileID {
			continue
		}
		result = append(result, *clone(c))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) CreatePendingExtraction(_ context.Context, p *models.PendingExtraction) error {
	m.mu.Lock()
	m.pending[p.ID] = clone(p)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListPendingExtractions(_ context.Context, status models.ConflictStatus) ([]models.PendingExtraction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.PendingExtraction
	for _, p := range m.pending {
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, *clone(p))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// ── Task Store ──────────────────────────────────────────────

func (m *MemoryStore) CreateTask(_ context.Context, task *models.Task) error {
	m.mu.Lock()
	cp := *task
	m.tasks = append(m.tasks, &cp)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListTasks(_ context.Context, entityType, entityID string) ([]models.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Task
	for _, t := range m.tasks {
		if entityType != "" && t.EntityType != entityType {
			continue
		}
		if entityID != "" && t.EntityID != entityID {
			continue
		}
		result = append(result, *t)
	}
	return result, nil
}
