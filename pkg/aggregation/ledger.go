package aggregation

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"tomostitch/internal/monitoring"
	"tomostitch/pkg/config"
)

// Sub-job statuses stored in the ledger.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// schema.sql creates the runs and sub_jobs tables.
//
//go:embed schema.sql
var schemaSQL string

// ErrUnknownRun is returned for a run id absent from the ledger.
var ErrUnknownRun = errors.New("unknown run")

// Ledger records dispatched runs and the state of their sub-jobs in SQLite,
// so that a run can be aggregated later from another process.
type Ledger struct {
	*sql.DB
}

// RunInfo describes a recorded run.
type RunInfo struct {
	ID     string
	Output string
	// Config is the configuration the run was dispatched with, nil when
	// none was recorded
	Config    *config.StitchingConfiguration
	CreatedAt time.Time
}

// SubJobRecord is one row of the sub_jobs table.
type SubJobRecord struct {
	Index  int
	Name   string
	Target string
	Status string
	Output string
	Error  string
}

// OpenLedger opens (creating if needed) the ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sub-jobs report concurrently; a single connection serializes the writes
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	monitoring.Logf("initialized job ledger %s", path)
	return &Ledger{db}, nil
}

// StartRun records a new run writing to output and returns its id.
func (l *Ledger) StartRun(ctx context.Context, output string, cfg *config.StitchingConfiguration) (string, error) {
	var configuration string
	if cfg != nil {
		data, err := cfg.Marshal(config.YAML)
		if err != nil {
			return "", fmt.Errorf("failed to serialize configuration: %w", err)
		}
		configuration = string(data)
	}
	id := uuid.NewString()
	_, err := l.ExecContext(ctx,
		`INSERT INTO runs (id, output, configuration, created_at) VALUES (?, ?, ?, ?)`,
		id, output, configuration, now())
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// Run returns the description of a run.
func (l *Ledger) Run(ctx context.Context, runID string) (RunInfo, error) {
	var info RunInfo
	var configuration, created string
	err := l.QueryRowContext(ctx,
		`SELECT id, output, COALESCE(configuration, ''), created_at FROM runs WHERE id = ?`, runID).
		Scan(&info.ID, &info.Output, &configuration, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return info, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if err != nil {
		return info, fmt.Errorf("failed to query run: %w", err)
	}
	info.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	if configuration != "" {
		if info.Config, err = config.Parse([]byte(configuration), config.YAML); err != nil {
			return info, fmt.Errorf("failed to parse configuration of run %s: %w", runID, err)
		}
	}
	return info, nil
}

// AddSubJob records a pending sub-job writing to target.
func (l *Ledger) AddSubJob(ctx context.Context, runID string, index int, name, target string) error {
	_, err := l.ExecContext(ctx,
		`INSERT INTO sub_jobs (run_id, idx, name, target, status, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, index, name, target, StatusPending, now())
	if err != nil {
		return fmt.Errorf("failed to insert sub-job %d: %w", index, err)
	}
	return nil
}

// FinishSubJob stores the result of a sub-job.
func (l *Ledger) FinishSubJob(ctx context.Context, runID string, index int, output string, jobErr error) error {
	status, message := StatusDone, ""
	if jobErr != nil {
		status, message = StatusFailed, jobErr.Error()
	}
	res, err := l.ExecContext(ctx,
		`UPDATE sub_jobs SET status = ?, output = ?, error = ?, updated_at = ? WHERE run_id = ? AND idx = ?`,
		status, output, message, now(), runID, index)
	if err != nil {
		return fmt.Errorf("failed to update sub-job %d: %w", index, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sub-job %d of run %s is not recorded", index, runID)
	}
	return nil
}

// SubJobRecords lists the sub-jobs of a run by index.
func (l *Ledger) SubJobRecords(ctx context.Context, runID string) ([]SubJobRecord, error) {
	rows, err := l.QueryContext(ctx,
		`SELECT idx, name, target, status, COALESCE(output, ''), COALESCE(error, '')
		 FROM sub_jobs WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sub-jobs: %w", err)
	}
	defer rows.Close()

	var out []SubJobRecord
	for rows.Next() {
		var r SubJobRecord
		if err := rows.Scan(&r.Index, &r.Name, &r.Target, &r.Status, &r.Output, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SubJobs turns the recorded sub-jobs of a run into resolved sub-jobs for
// an Aggregator. Pending sub-jobs resolve as failures.
func (l *Ledger) SubJobs(ctx context.Context, runID string) ([]SubJob, error) {
	records, err := l.SubJobRecords(ctx, runID)
	if err != nil {
		return nil, err
	}
	jobs := make([]SubJob, len(records))
	for i, r := range records {
		var f *Future
		switch r.Status {
		case StatusDone:
			f = Completed(r.Output)
		case StatusFailed:
			f = Failed(errors.New(r.Error))
		default:
			f = Failed(fmt.Errorf("sub-job is still %s", r.Status))
		}
		jobs[i] = SubJob{Index: r.Index, Name: r.Name, Future: f}
	}
	return jobs, nil
}

// Aggregator prepares the aggregation of a recorded run into its output,
// carrying the configuration the run was dispatched with.
func (l *Ledger) Aggregator(ctx context.Context, runID string) (*Aggregator, error) {
	info, err := l.Run(ctx, runID)
	if err != nil {
		return nil, err
	}
	jobs, err := l.SubJobs(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &Aggregator{Config: info.Config, Jobs: jobs, Output: info.Output}, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
