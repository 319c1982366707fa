// Package sqlite provides a durable ExperimentStore backed by an embedded
// SQLite database. Assignments must survive restarts, so deployments that do
// not persist the memory store snapshot point LOANPILOT_EXPERIMENTS_DB here.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loanpilot/orchestrator/internal/store"
	"github.com/loanpilot/orchestrator/pkg/models"
)

//go:embed schema.sql
var schema string

// ExperimentStore implements store.ExperimentStore.
type ExperimentStore struct {
	db *sql.DB
}

var _ store.ExperimentStore = (*ExperimentStore)(nil)

// New opens (or creates) the database at path. ":memory:" is accepted for tests.
func New(path string) (*ExperimentStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory: coherent.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &ExperimentStore{db: db}, nil
}

// Close releases the database handle.
func (s *ExperimentStore) Close() error {
	return s.db.Close()
}

func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// ── Experiments ─────────────────────────────────────────────

func (s *ExperimentStore) CreateExperiment(ctx context.Context, exp *models.Experiment) error {
	body, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("marshal experiment: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, status, body, created_at) VALUES (?, ?, ?, ?, ?)`,
		exp.ID, exp.Name, string(exp.Status), string(body), ts(exp.CreatedAt),
	)
	if isUnique(err) {
		return &store.ErrDuplicate{Entity: "experiment", Key: exp.Name}
	}
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	return nil
}

func (s *ExperimentStore) scanExperiment(row *sql.Row, key string) (*models.Experiment, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &store.ErrNotFound{Entity: "experiment", Key: key}
		}
		return nil, fmt.Errorf("scan experiment: %w", err)
	}
	var exp models.Experiment
	if err := json.Unmarshal([]byte(body), &exp); err != nil {
		return nil, fmt.Errorf("decode experiment: %w", err)
	}
	return &exp, nil
}

func (s *ExperimentStore) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	return s.scanExperiment(s.db.QueryRowContext(ctx, `SELECT body FROM experiments WHERE id = ?`, id), id)
}

func (s *ExperimentStore) GetExperimentByName(ctx context.Context, name string) (*models.Experiment, error) {
	return s.scanExperiment(s.db.QueryRowContext(ctx, `SELECT body FROM experiments WHERE name = ?`, name), name)
}

func (s *ExperimentStore) ListExperiments(ctx context.Context) ([]models.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM experiments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()
	var out []models.Experiment
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var exp models.Experiment
		if err := json.Unmarshal([]byte(body), &exp); err != nil {
			return nil, fmt.Errorf("decode experiment: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func (s *ExperimentStore) UpdateExperiment(ctx context.Context, exp *models.Experiment) error {
	body, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("marshal experiment: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE experiments SET name = ?, status = ?, body = ? WHERE id = ?`,
		exp.Name, string(exp.Status), string(body), exp.ID,
	)
	if err != nil {
		return fmt.Errorf("update experiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &store.ErrNotFound{Entity: "experiment", Key: exp.ID}
	}
	return nil
}

// ── Assignments ─────────────────────────────────────────────

func (s *ExperimentStore) InsertAssignmentIfAbsent(ctx context.Context, a *models.Assignment) (*models.Assignment, bool, error) {
	var contextJSON []byte
	if a.Context != nil {
		contextJSON, _ = json.Marshal(a.Context)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_assignments (experiment_id, subject_id, variant_id, context_json, assigned_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(experiment_id, subject_id) DO NOTHING`,
		a.ExperimentID, a.SubjectID, a.VariantID, string(contextJSON), ts(a.AssignedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert assignment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		cp := *a
		return &cp, true, nil
	}
	existing, err := s.GetAssignment(ctx, a.ExperimentID, a.SubjectID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *ExperimentStore) GetAssignment(ctx context.Context, experimentID, subjectID string) (*models.Assignment, error) {
	var (
		a           models.Assignment
		contextJSON sql.NullString
		assignedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT experiment_id, subject_id, variant_id, context_json, assigned_at
		 FROM experiment_assignments WHERE experiment_id = ? AND subject_id = ?`,
		experimentID, subjectID,
	).Scan(&a.ExperimentID, &a.SubjectID, &a.VariantID, &contextJSON, &assignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.ErrNotFound{Entity: "assignment", Key: experimentID + ":" + subjectID}
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	if contextJSON.Valid && contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &a.Context)
	}
	a.AssignedAt = parseTS(assignedAt)
	return &a, nil
}

func (s *ExperimentStore) countBy(ctx context.Context, query, experimentID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, query, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var variant string
		var n int
		if err := rows.Scan(&variant, &n); err != nil {
			return nil, err
		}
		counts[variant] = n
	}
	return counts, rows.Err()
}

func (s *ExperimentStore) CountAssignments(ctx context.Context, experimentID string) (map[string]int, error) {
	return s.countBy(ctx,
		`SELECT variant_id, COUNT(*) FROM experiment_assignments WHERE experiment_id = ? GROUP BY variant_id`,
		experimentID)
}

// ── Results ─────────────────────────────────────────────────

func (s *ExperimentStore) AppendResult(ctx context.Context, r *models.Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO experiment_results (id, experiment_id, variant_id, subject_id, metric_name, metric_value, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ExperimentID, r.VariantID, r.SubjectID, r.MetricName, r.MetricValue, ts(r.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

func (s *ExperimentStore) ListResults(ctx context.Context, experimentID, metric string) ([]models.Result, error) {
	q := `SELECT id, experiment_id, variant_id, subject_id, metric_name, metric_value, recorded_at
	      FROM experiment_results WHERE experiment_id = ?`
	args := []interface{}{experimentID}
	if metric != "" {
		q += ` AND metric_name = ?`
		args = append(args, metric)
	}
	q += ` ORDER BY recorded_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	var out []models.Result
	for rows.Next() {
		var r models.Result
		var recordedAt string
		if err := rows.Scan(&r.ID, &r.ExperimentID, &r.VariantID, &r.SubjectID, &r.MetricName, &r.MetricValue, &recordedAt); err != nil {
			return nil, err
		}
		r.RecordedAt = parseTS(recordedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *ExperimentStore) CountResults(ctx context.Context, experimentID string) (map[string]int, error) {
	return s.countBy(ctx,
		`SELECT variant_id, COUNT(*) FROM experiment_results WHERE experiment_id = ? GROUP BY variant_id`,
		experimentID)
}

// ── Insights ────────────────────────────────────────────────

func (s *ExperimentStore) CreateInsight(ctx context.Context, in *models.Insight) error {
	body, err := json.Marshal(in.Analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiment_insights (id, experiment_id, metric, analysis_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		in.ID, in.ExperimentID, in.Metric, string(body), ts(in.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert insight: %w", err)
	}
	return nil
}

func (s *ExperimentStore) LatestInsight(ctx context.Context, experimentID string) (*models.Insight, error) {
	var (
		in        models.Insight
		body      string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, experiment_id, metric, analysis_json, created_at
		 FROM experiment_insights WHERE experiment_id = ? ORDER BY seq DESC LIMIT 1`,
		experimentID,
	).Scan(&in.ID, &in.ExperimentID, &in.Metric, &body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &store.ErrNotFound{Entity: "insight", Key: experimentID}
	}
	if err != nil {
		return nil, fmt.Errorf("latest insight: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &in.Analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	in.CreatedAt = parseTS(createdAt)
	return &in, nil
}
