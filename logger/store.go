package logger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"aegis/risk"
	"aegis/trader"
)

// CycleRecord is one control-loop cycle, written exactly once after the
// cycle finishes. Records are append-only; nothing updates or deletes them.
type CycleRecord struct {
	CycleID     string    `json:"cycle_id"`
	CycleNumber int       `json:"cycle_number"`
	Instrument  string    `json:"instrument"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     string    `json:"outcome"` // completed, held, degraded, fast_exit

	// Market at decision time.
	Price       float64 `json:"price"`
	Stale       bool    `json:"stale"`
	StaleReason string  `json:"stale_reason,omitempty"`

	// Inference audit trail. Prompt and raw response are kept on failures
	// so parse problems can be debugged after the fact.
	Prompt        string `json:"prompt,omitempty"`
	CoTTrace      string `json:"cot_trace,omitempty"`
	RawResponse   string `json:"raw_response,omitempty"`
	DirectiveJSON string `json:"directive_json,omitempty"`
	InferenceMS   int64  `json:"inference_ms"`

	// Risk and execution outcomes.
	Intents    []risk.OrderIntent       `json:"intents,omitempty"`
	Rejections []string                 `json:"rejections,omitempty"`
	Executions []trader.ExecutionResult `json:"executions,omitempty"`

	// Position after reconciliation.
	PositionSide  string          `json:"position_side"`
	PositionSize  float64         `json:"position_size"`
	EntryPrice    float64         `json:"entry_price"`
	Leverage      int             `json:"leverage"`
	ExitRules     []risk.ExitRule `json:"exit_rules,omitempty"`
	ExitRevision  int             `json:"exit_revision"`
	Success       bool            `json:"success"`
	ErrorMessage  string          `json:"error_message,omitempty"`
}

// Store persists CycleRecords to SQLite by default, or PostgreSQL when a
// connection string is configured. A PostgreSQL connection failure falls
// back to SQLite so a flaky database never stops the loop from starting.
type Store struct {
	db         *sql.DB
	isPostgres bool
	sessionID  string
}

// StoreOptions configures the backing database.
type StoreOptions struct {
	DataDir     string // SQLite directory, default "cycle_logs"
	DatabaseURL string // PostgreSQL connection string; empty means SQLite
	SessionID   string // separates runs sharing one PostgreSQL database
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.DataDir == "" {
		opts.DataDir = "cycle_logs"
	}
	s := &Store{sessionID: opts.SessionID}

	if opts.DatabaseURL != "" {
		connString := opts.DatabaseURL
		if !strings.Contains(connString, "connect_timeout") {
			if strings.Contains(connString, "?") {
				connString += "&connect_timeout=30"
			} else {
				connString += "?connect_timeout=30"
			}
		}
		db, err := sql.Open("postgres", connString)
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(10 * time.Minute)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err = db.PingContext(ctx)
			cancel()
			if err == nil {
				s.db = db
				s.isPostgres = true
				log.Printf("✅ Cycle store: PostgreSQL (session %s)", opts.SessionID)
			} else {
				log.Printf("⚠️  PostgreSQL unreachable: %v (%s), falling back to SQLite",
					err, maskConnectionString(opts.DatabaseURL))
				db.Close()
			}
		} else {
			log.Printf("⚠️  PostgreSQL open failed: %v, falling back to SQLite", err)
		}
	}

	if s.db == nil {
		if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		dbPath := filepath.Join(opts.DataDir, "cycles.db")
		db, err := sql.Open("sqlite",
			dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite ping: %w", err)
		}
		s.db = db
	}

	if err := s.initDB(); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// maskConnectionString hides the password between : and @ for log output.
func maskConnectionString(connStr string) string {
	if idx := strings.Index(connStr, "://"); idx != -1 {
		rest := connStr[idx+3:]
		if atIdx := strings.Index(rest, "@"); atIdx != -1 {
			if colonIdx := strings.Index(rest[:atIdx], ":"); colonIdx != -1 {
				return connStr[:idx+3+colonIdx+1] + "***" + rest[atIdx:]
			}
		}
	}
	return "***"
}

func (s *Store) initDB() error {
	var schema string
	if s.isPostgres {
		schema = `
		CREATE TABLE IF NOT EXISTS cycles (
			id SERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			cycle_number INTEGER NOT NULL,
			instrument TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			outcome TEXT NOT NULL,
			price REAL NOT NULL,
			stale BOOLEAN NOT NULL DEFAULT false,
			stale_reason TEXT,
			prompt TEXT,
			cot_trace TEXT,
			raw_response TEXT,
			directive_json TEXT,
			inference_ms BIGINT NOT NULL DEFAULT 0,
			intents_json TEXT,
			rejections_json TEXT,
			executions_json TEXT,
			position_side TEXT NOT NULL,
			position_size REAL NOT NULL,
			entry_price REAL NOT NULL,
			leverage INTEGER NOT NULL,
			exit_rules_json TEXT,
			exit_revision INTEGER NOT NULL,
			success BOOLEAN NOT NULL DEFAULT true,
			error_message TEXT,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, instrument, cycle_number)
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_instrument ON cycles(session_id, instrument, cycle_number);
		CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
		`
	} else {
		schema = `
		CREATE TABLE IF NOT EXISTS cycles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			cycle_id TEXT NOT NULL,
			cycle_number INTEGER NOT NULL,
			instrument TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL,
			outcome TEXT NOT NULL,
			price REAL NOT NULL,
			stale BOOLEAN NOT NULL DEFAULT 0,
			stale_reason TEXT,
			prompt TEXT,
			cot_trace TEXT,
			raw_response TEXT,
			directive_json TEXT,
			inference_ms INTEGER NOT NULL DEFAULT 0,
			intents_json TEXT,
			rejections_json TEXT,
			executions_json TEXT,
			position_side TEXT NOT NULL,
			position_size REAL NOT NULL,
			entry_price REAL NOT NULL,
			leverage INTEGER NOT NULL,
			exit_rules_json TEXT,
			exit_revision INTEGER NOT NULL,
			success BOOLEAN NOT NULL DEFAULT 1,
			error_message TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, instrument, cycle_number)
		);
		CREATE INDEX IF NOT EXISTS idx_cycles_instrument ON cycles(session_id, instrument, cycle_number);
		CREATE INDEX IF NOT EXISTS idx_cycles_started ON cycles(started_at);
		`
	}
	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders to $1..$n for the PostgreSQL driver.
func (s *Store) rebind(query string) string {
	if !s.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NextCycleNumber returns one past the highest recorded cycle for the
// instrument, so numbering continues across restarts.
func (s *Store) NextCycleNumber(ctx context.Context, instrument string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT MAX(cycle_number) FROM cycles WHERE session_id = ? AND instrument = ?"),
		s.sessionID, instrument).Scan(&max)
	if err != nil {
		return 1, fmt.Errorf("query max cycle: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// Append writes one finished cycle. The record's CycleNumber must already
// be assigned by the caller.
func (s *Store) Append(ctx context.Context, rec *CycleRecord) error {
	// Successful cycles drop the raw response; the parsed directive and
	// trace carry the same information at a fraction of the size.
	rawResponse := rec.RawResponse
	if rec.Success {
		rawResponse = ""
	}

	intentsJSON, _ := json.Marshal(rec.Intents)
	rejectionsJSON, _ := json.Marshal(rec.Rejections)
	executionsJSON, _ := json.Marshal(rec.Executions)
	rulesJSON, _ := json.Marshal(rec.ExitRules)

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO cycles (
			session_id, cycle_id, cycle_number, instrument, started_at, finished_at, outcome,
			price, stale, stale_reason,
			prompt, cot_trace, raw_response, directive_json, inference_ms,
			intents_json, rejections_json, executions_json,
			position_side, position_size, entry_price, leverage,
			exit_rules_json, exit_revision, success, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		s.sessionID, rec.CycleID, rec.CycleNumber, rec.Instrument,
		rec.StartedAt, rec.FinishedAt, rec.Outcome,
		rec.Price, rec.Stale, rec.StaleReason,
		rec.Prompt, rec.CoTTrace, rawResponse, rec.DirectiveJSON, rec.InferenceMS,
		string(intentsJSON), string(rejectionsJSON), string(executionsJSON),
		rec.PositionSide, rec.PositionSize, rec.EntryPrice, rec.Leverage,
		string(rulesJSON), rec.ExitRevision, rec.Success, rec.ErrorMessage)
	if err != nil {
		return fmt.Errorf("append cycle #%d: %w", rec.CycleNumber, err)
	}
	return nil
}

// Recent returns the latest n cycles for the instrument, oldest first.
func (s *Store) Recent(ctx context.Context, instrument string, n int) ([]*CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT cycle_id, cycle_number, instrument, started_at, finished_at, outcome,
			price, stale, stale_reason,
			prompt, cot_trace, raw_response, directive_json, inference_ms,
			intents_json, rejections_json, executions_json,
			position_side, position_size, entry_price, leverage,
			exit_rules_json, exit_revision, success, error_message
		FROM cycles
		WHERE session_id = ? AND instrument = ?
		ORDER BY cycle_number DESC
		LIMIT ?`),
		s.sessionID, instrument, n)
	if err != nil {
		return nil, fmt.Errorf("query recent cycles: %w", err)
	}
	defer rows.Close()

	var records []*CycleRecord
	for rows.Next() {
		rec, err := scanCycleRecord(rows)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, rows.Err()
}

// LastExitState returns the position side and exit rules recorded by the
// most recent cycle, for restart restore. ok is false when no cycle has
// been recorded yet.
func (s *Store) LastExitState(ctx context.Context, instrument string) (side string, rules []risk.ExitRule, ok bool, err error) {
	var rulesJSON string
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT position_side, exit_rules_json
		FROM cycles
		WHERE session_id = ? AND instrument = ?
		ORDER BY cycle_number DESC
		LIMIT 1`),
		s.sessionID, instrument)
	if err = row.Scan(&side, &rulesJSON); err != nil {
		if err == sql.ErrNoRows {
			return "", nil, false, nil
		}
		return "", nil, false, fmt.Errorf("query last exit state: %w", err)
	}
	if rulesJSON != "" {
		json.Unmarshal([]byte(rulesJSON), &rules)
	}
	return side, rules, true, nil
}

// Stats summarizes recorded cycles for the status API.
type Stats struct {
	TotalCycles  int `json:"total_cycles"`
	Completed    int `json:"completed"`
	Held         int `json:"held"`
	Degraded     int `json:"degraded"`
	FastExits    int `json:"fast_exits"`
	FailedCycles int `json:"failed_cycles"`
}

func (s *Store) Statistics(ctx context.Context, instrument string) (*Stats, error) {
	stats := &Stats{}
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*),
			SUM(CASE WHEN outcome = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'held' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'degraded' THEN 1 ELSE 0 END),
			SUM(CASE WHEN outcome = 'fast_exit' THEN 1 ELSE 0 END),
			SUM(CASE WHEN success THEN 0 ELSE 1 END)
		FROM cycles
		WHERE session_id = ? AND instrument = ?`),
		s.sessionID, instrument).Scan(
		&stats.TotalCycles, &nullableInt{&stats.Completed}, &nullableInt{&stats.Held},
		&nullableInt{&stats.Degraded}, &nullableInt{&stats.FastExits}, &nullableInt{&stats.FailedCycles})
	if err != nil {
		return nil, fmt.Errorf("query statistics: %w", err)
	}
	return stats, nil
}

// nullableInt scans a SUM() that is NULL on empty tables as zero.
type nullableInt struct{ v *int }

func (n *nullableInt) Scan(src any) error {
	var ni sql.NullInt64
	if err := ni.Scan(src); err != nil {
		return err
	}
	if ni.Valid {
		*n.v = int(ni.Int64)
	}
	return nil
}

func scanCycleRecord(rows *sql.Rows) (*CycleRecord, error) {
	rec := &CycleRecord{}
	var staleReason, prompt, cot, raw, directive sql.NullString
	var intentsJSON, rejectionsJSON, executionsJSON, rulesJSON, errMsg sql.NullString

	err := rows.Scan(
		&rec.CycleID, &rec.CycleNumber, &rec.Instrument,
		&rec.StartedAt, &rec.FinishedAt, &rec.Outcome,
		&rec.Price, &rec.Stale, &staleReason,
		&prompt, &cot, &raw, &directive, &rec.InferenceMS,
		&intentsJSON, &rejectionsJSON, &executionsJSON,
		&rec.PositionSide, &rec.PositionSize, &rec.EntryPrice, &rec.Leverage,
		&rulesJSON, &rec.ExitRevision, &rec.Success, &errMsg,
	)
	if err != nil {
		return nil, err
	}

	rec.StaleReason = staleReason.String
	rec.Prompt = prompt.String
	rec.CoTTrace = cot.String
	rec.RawResponse = raw.String
	rec.DirectiveJSON = directive.String
	rec.ErrorMessage = errMsg.String
	if intentsJSON.Valid {
		json.Unmarshal([]byte(intentsJSON.String), &rec.Intents)
	}
	if rejectionsJSON.Valid {
		json.Unmarshal([]byte(rejectionsJSON.String), &rec.Rejections)
	}
	if executionsJSON.Valid {
		json.Unmarshal([]byte(executionsJSON.String), &rec.Executions)
	}
	if rulesJSON.Valid {
		json.Unmarshal([]byte(rulesJSON.String), &rec.ExitRules)
	}
	return rec, nil
}
