package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"mineland.ai/internal/episode"
)

// SQLiteIndex is a queryable index of episode steps. Writes go through one
// goroutine and are dropped when it falls behind; the step log stays the
// source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan episode.StepRecord
	wg   sync.WaitGroup
	once sync.Once

	// mu orders sends on ch against Close closing it.
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

type Stats struct {
	DropStepTotal uint64 `json:"drop_step_total"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
}

type SessionRow struct {
	SessionID string  `json:"session_id"`
	TaskID    string  `json:"task_id"`
	Agents    int     `json:"agents"`
	Steps     int     `json:"steps"`
	LastScore float64 `json:"last_score"`
	Success   bool    `json:"success"`
	Failed    bool    `json:"failed"`
	StartedAt string  `json:"started_at"`
}

type StepRow struct {
	Step      int     `json:"step"`
	Ticks     int     `json:"ticks"`
	Live      int     `json:"live"`
	Events    int     `json:"events"`
	Score     float64 `json:"score"`
	Done      bool    `json:"done"`
	IsSuccess bool    `json:"is_success"`
	IsFailed  bool    `json:"is_failed"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{db: db, ch: make(chan episode.StepRecord, 4096)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			agents INTEGER NOT NULL,
			started_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS steps (
			session_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			ticks INTEGER NOT NULL,
			live INTEGER NOT NULL,
			events INTEGER NOT NULL,
			score REAL NOT NULL,
			done INTEGER NOT NULL,
			is_success INTEGER NOT NULL,
			is_failed INTEGER NOT NULL,
			status_json TEXT NOT NULL,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, step)
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			step INTEGER NOT NULL,
			agent INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (session_id, step, agent, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type, session_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordStep queues rec for indexing. It never blocks the step path.
func (s *SQLiteIndex) RecordStep(rec episode.StepRecord) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- rec:
	default:
		s.dropped.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		DropStepTotal: s.dropped.Load(),
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	insertSession, _ := s.db.Prepare(`INSERT OR IGNORE INTO sessions(session_id,task_id,agents,started_at) VALUES(?,?,?,?)`)
	insertStep, _ := s.db.Prepare(`INSERT OR REPLACE INTO steps(session_id,step,ticks,live,events,score,done,is_success,is_failed,status_json,recorded_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(session_id,step,agent,seq,type,raw_json) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertSession, insertStep, insertEvent} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()
	if insertSession == nil || insertStep == nil || insertEvent == nil {
		for range s.ch {
			s.dropped.Add(1)
		}
		return
	}

	var (
		tx          *sql.Tx
		opCount     int
		lastCommit  = time.Now()
		commitEvery = 500
		commitWait  = time.Second
	)
	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			s.dropped.Add(1)
			continue
		}
		if err := writeStep(tx, insertSession, insertStep, insertEvent, r); err != nil {
			rollback()
			s.dropped.Add(1)
			continue
		}
		opCount++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitWait {
			commit()
		}
	}
	commit()
}

func writeStep(tx *sql.Tx, insSession, insStep, insEvent *sql.Stmt, r episode.StepRecord) error {
	ts := time.UnixMilli(r.Time).UTC()
	if r.Time == 0 {
		ts = time.Now().UTC()
	}
	if _, err := tx.Stmt(insSession).Exec(r.SessionID, r.TaskID, len(r.Observations), ts.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	live, nev := 0, 0
	for i, o := range r.Observations {
		if o != nil {
			live++
		}
		if i < len(r.Events) {
			nev += len(r.Events[i])
		}
	}
	status, _ := json.Marshal(r.Status)
	if _, err := tx.Stmt(insStep).Exec(
		r.SessionID, r.Step, r.Ticks, live, nev,
		r.Status.Score, r.Done, r.Status.IsSuccess, r.Status.IsFailed,
		string(status), ts.UnixMilli(),
	); err != nil {
		return err
	}
	for agent, evs := range r.Events {
		for seq, ev := range evs {
			raw, _ := json.Marshal(ev)
			if _, err := tx.Stmt(insEvent).Exec(r.SessionID, r.Step, agent, seq, ev.Type(), string(raw)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sessions lists indexed episodes, newest first.
func (s *SQLiteIndex) Sessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT se.session_id, se.task_id, se.agents, se.started_at,
			COUNT(st.step),
			COALESCE((SELECT score FROM steps WHERE session_id=se.session_id ORDER BY step DESC LIMIT 1), 0),
			COALESCE(MAX(st.is_success), 0),
			COALESCE(MAX(st.is_failed), 0)
		FROM sessions se LEFT JOIN steps st ON st.session_id = se.session_id
		GROUP BY se.session_id
		ORDER BY se.started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.SessionID, &r.TaskID, &r.Agents, &r.StartedAt, &r.Steps, &r.LastScore, &r.Success, &r.Failed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) Steps(ctx context.Context, sessionID string) ([]StepRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, ticks, live, events, score, done, is_success, is_failed
		FROM steps WHERE session_id=? ORDER BY step`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StepRow
	for rows.Next() {
		var r StepRow
		if err := rows.Scan(&r.Step, &r.Ticks, &r.Live, &r.Events, &r.Score, &r.Done, &r.IsSuccess, &r.IsFailed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventCount counts indexed events of type typ in a session.
func (s *SQLiteIndex) EventCount(ctx context.Context, sessionID, typ string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id=? AND type=?`, sessionID, typ).Scan(&n)
	return n, err
}
