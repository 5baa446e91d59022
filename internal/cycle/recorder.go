package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mf-intel/internal/db"
)

// Entry is one recorded cycle.
type Entry struct {
	CycleID     string         `json:"cycle_id"`
	State       State          `json:"state"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Version     *int64         `json:"version,omitempty"`
	Facts       int            `json:"facts"`
	Conflicts   int            `json:"conflicts"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Recorder persists cycle state transitions.
type Recorder interface {
	Start(ctx context.Context, cycleID string, at time.Time) error
	Transition(ctx context.Context, cycleID string, state State) error
	Finish(ctx context.Context, r *Report) error
	// LastSuccess returns when the most recent committed cycle started, or
	// nil if none has.
	LastSuccess(ctx context.Context) (*time.Time, error)
	List(ctx context.Context, limit int) ([]Entry, error)
}

// PostgresRecorder keeps the cycle log in the cycle_log table.
type PostgresRecorder struct {
	pool db.Pool
}

// NewPostgresRecorder creates a PostgresRecorder.
func NewPostgresRecorder(pool db.Pool) *PostgresRecorder {
	return &PostgresRecorder{pool: pool}
}

// Start records the beginning of a cycle.
func (p *PostgresRecorder) Start(ctx context.Context, cycleID string, at time.Time) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO cycle_log (cycle_id, state, started_at) VALUES ($1, $2, $3)`,
		cycleID, string(StateFetching), at,
	)
	if err != nil {
		return eris.Wrapf(err, "cyclelog: start %s", cycleID)
	}
	return nil
}

// Transition records a state change.
func (p *PostgresRecorder) Transition(ctx context.Context, cycleID string, state State) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE cycle_log SET state = $1 WHERE cycle_id = $2`,
		string(state), cycleID,
	)
	if err != nil {
		return eris.Wrapf(err, "cyclelog: transition %s to %s", cycleID, state)
	}
	return nil
}

// Finish records the terminal state and the cycle's counters.
func (p *PostgresRecorder) Finish(ctx context.Context, r *Report) error {
	metaJSON, err := json.Marshal(map[string]any{"sources": r.Sources, "records": r.Records})
	if err != nil {
		return eris.Wrap(err, "cyclelog: marshal metadata")
	}
	var version *int64
	if r.Version != nil {
		version = &r.Version.Number
	}
	var errMsg *string
	if r.Err != nil {
		msg := r.Err.Error()
		errMsg = &msg
	}

	_, err = p.pool.Exec(ctx,
		`UPDATE cycle_log
		 SET state = $1, completed_at = $2, version = $3, facts = $4, conflicts = $5, error = $6, metadata = $7
		 WHERE cycle_id = $8`,
		string(r.State), r.FinishedAt, version, r.Facts, r.Conflicts, errMsg, metaJSON, r.CycleID,
	)
	if err != nil {
		return eris.Wrapf(err, "cyclelog: finish %s", r.CycleID)
	}
	return nil
}

// LastSuccess implements Recorder.
func (p *PostgresRecorder) LastSuccess(ctx context.Context) (*time.Time, error) {
	var t time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT started_at FROM cycle_log
		 WHERE state = 'committed'
		 ORDER BY started_at DESC LIMIT 1`,
	).Scan(&t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "cyclelog: last success")
	}
	return &t, nil
}

// List returns the most recent cycles, newest first.
func (p *PostgresRecorder) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx,
		`SELECT cycle_id, state, started_at, completed_at, version, facts, conflicts, error, metadata
		 FROM cycle_log ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "cyclelog: list")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			state    string
			errStr   *string
			metaJSON []byte
		)
		if err := rows.Scan(&e.CycleID, &state, &e.StartedAt, &e.CompletedAt, &e.Version,
			&e.Facts, &e.Conflicts, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "cyclelog: scan entry")
		}
		e.State = State(state)
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LogRecorder writes transitions to the logger and keeps the history in
// memory. Used when the store is not Postgres.
type LogRecorder struct {
	mu      sync.Mutex
	entries []Entry
	log     *zap.Logger
}

// NewLogRecorder creates a LogRecorder.
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{log: zap.L().With(zap.String("component", "cycle.log"))}
}

// Start implements Recorder.
func (l *LogRecorder) Start(_ context.Context, cycleID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{CycleID: cycleID, State: StateFetching, StartedAt: at})
	l.log.Info("cycle started", zap.String("cycle_id", cycleID))
	return nil
}

// Transition implements Recorder.
func (l *LogRecorder) Transition(_ context.Context, cycleID string, state State) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e := l.find(cycleID); e != nil {
		e.State = state
	}
	l.log.Info("cycle state", zap.String("cycle_id", cycleID), zap.String("state", string(state)))
	return nil
}

// Finish implements Recorder.
func (l *LogRecorder) Finish(_ context.Context, r *Report) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.find(r.CycleID)
	if e == nil {
		return eris.Errorf("cyclelog: unknown cycle %s", r.CycleID)
	}
	finished := r.FinishedAt
	e.State = r.State
	e.CompletedAt = &finished
	e.Facts = r.Facts
	e.Conflicts = r.Conflicts
	if r.Version != nil {
		n := r.Version.Number
		e.Version = &n
	}
	if r.Err != nil {
		e.Error = r.Err.Error()
	}
	l.log.Info("cycle finished",
		zap.String("cycle_id", r.CycleID),
		zap.String("state", string(r.State)),
		zap.Int("facts", r.Facts),
		zap.Int("conflicts", r.Conflicts),
	)
	return nil
}

// LastSuccess implements Recorder.
func (l *LogRecorder) LastSuccess(context.Context) (*time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].State == StateCommitted {
			t := l.entries[i].StartedAt
			return &t, nil
		}
	}
	return nil, nil
}

// List implements Recorder.
func (l *LogRecorder) List(_ context.Context, limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for i := len(l.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, l.entries[i])
	}
	return out, nil
}

func (l *LogRecorder) find(cycleID string) *Entry {
	for i := range l.entries {
		if l.entries[i].CycleID == cycleID {
			return &l.entries[i]
		}
	}
	return nil
}
