package worksheetgen

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrWorksheetNotFound is returned when no worksheet has the requested ID
var ErrWorksheetNotFound = errors.New("worksheet not found")

// WorksheetDB is the sqlite archive of delivered worksheets and the usage
// ledger used for quotas
type WorksheetDB struct {
	db *sql.DB
}

// WorksheetSummary is one archived worksheet without its items
type WorksheetSummary struct {
	ID                 string             `json:"id"`
	CallerID           string             `json:"caller_id"`
	Topics             []Topic            `json:"topics"`
	Difficulty         string             `json:"difficulty"`
	NumItems           int                `json:"num_items"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	Regenerated        int                `json:"regenerated"`
	VisualsStripped    int                `json:"visuals_stripped"`
	CreatedAt          time.Time          `json:"created_at"`
}

// StoredWorksheet is an archived worksheet with its full batch
type StoredWorksheet struct {
	WorksheetSummary
	Batch *Batch `json:"batch"`
}

// OpenWorksheetDB opens the database and creates its tables
func OpenWorksheetDB(dbPath string) (*WorksheetDB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	wdb := &WorksheetDB{db: db}
	if err := wdb.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return wdb, nil
}

// Close closes the database connection
func (wdb *WorksheetDB) Close() error {
	return wdb.db.Close()
}

func (wdb *WorksheetDB) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS worksheets (
			id TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			topics TEXT NOT NULL,
			difficulty TEXT NOT NULL,
			num_items INTEGER NOT NULL,
			modifiers TEXT NOT NULL DEFAULT '{}',
			verification_status TEXT NOT NULL,
			regenerated INTEGER NOT NULL DEFAULT 0,
			visuals_stripped INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS worksheet_items (
			worksheet_id TEXT NOT NULL,
			number INTEGER NOT NULL,
			content TEXT NOT NULL,
			choices TEXT,
			free_response INTEGER NOT NULL,
			has_visual INTEGER NOT NULL,
			visual_code TEXT,
			correct_answer TEXT NOT NULL,
			solution TEXT,
			PRIMARY KEY (worksheet_id, number),
			FOREIGN KEY (worksheet_id) REFERENCES worksheets(id)
		)`,
		`CREATE TABLE IF NOT EXISTS usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			caller_id TEXT NOT NULL,
			batch_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_caller ON usage (caller_id, created_at)`,
	}

	for _, query := range queries {
		if _, err := wdb.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute %s: %w", query, err)
		}
	}
	return nil
}

// SaveWorksheet archives a finished run in one transaction
func (wdb *WorksheetDB) SaveWorksheet(ctx context.Context, callerID string, res *Result) error {
	b := res.Batch
	topics, err := json.Marshal(b.Topics)
	if err != nil {
		return fmt.Errorf("failed to marshal topics: %w", err)
	}
	modifiers, err := json.Marshal(b.Modifiers)
	if err != nil {
		return fmt.Errorf("failed to marshal modifiers: %w", err)
	}

	tx, err := wdb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO worksheets (id, caller_id, topics, difficulty, num_items, modifiers, verification_status, regenerated, visuals_stripped, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		b.ID, callerID, string(topics), b.Difficulty, len(b.Items), string(modifiers),
		string(res.Verification.Status), len(res.Regenerated), res.Visuals.Count(VisualStripped), b.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert worksheet: %w", err)
	}

	for _, it := range b.Items {
		var choices sql.NullString
		if it.IsChoice() {
			data, err := json.Marshal(it.Choices)
			if err != nil {
				return fmt.Errorf("failed to marshal choices for item %d: %w", it.Number, err)
			}
			choices = sql.NullString{String: string(data), Valid: true}
		}
		ans, _ := b.Answer(it.Number)
		_, err = tx.ExecContext(ctx,
			"INSERT INTO worksheet_items (worksheet_id, number, content, choices, free_response, has_visual, visual_code, correct_answer, solution) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			b.ID, it.Number, it.Content, choices, it.FreeResponse, it.HasVisual, it.VisualCode, ans.CorrectAnswer, ans.Solution,
		)
		if err != nil {
			return fmt.Errorf("failed to insert item %d: %w", it.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit worksheet: %w", err)
	}
	return nil
}

const summaryColumns = "id, caller_id, topics, difficulty, num_items, verification_status, regenerated, visuals_stripped, created_at"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSummary(row rowScanner) (*WorksheetSummary, error) {
	var (
		s      WorksheetSummary
		topics string
		status string
	)
	if err := row.Scan(&s.ID, &s.CallerID, &topics, &s.Difficulty, &s.NumItems, &status, &s.Regenerated, &s.VisualsStripped, &s.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(topics), &s.Topics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topics: %w", err)
	}
	s.VerificationStatus = VerificationStatus(status)
	return &s, nil
}

// GetWorksheet retrieves an archived worksheet with its items and answers
func (wdb *WorksheetDB) GetWorksheet(ctx context.Context, id string) (*StoredWorksheet, error) {
	row := wdb.db.QueryRowContext(ctx, "SELECT "+summaryColumns+", modifiers FROM worksheets WHERE id = ?", id)

	var (
		s         WorksheetSummary
		topics    string
		status    string
		modifiers string
	)
	err := row.Scan(&s.ID, &s.CallerID, &topics, &s.Difficulty, &s.NumItems, &status, &s.Regenerated, &s.VisualsStripped, &s.CreatedAt, &modifiers)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrWorksheetNotFound, id)
		}
		return nil, fmt.Errorf("failed to get worksheet: %w", err)
	}
	if err := json.Unmarshal([]byte(topics), &s.Topics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal topics: %w", err)
	}
	s.VerificationStatus = VerificationStatus(status)

	batch := &Batch{
		ID:         s.ID,
		Topics:     s.Topics,
		Difficulty: s.Difficulty,
		Count:      s.NumItems,
		CreatedAt:  s.CreatedAt,
	}
	if err := json.Unmarshal([]byte(modifiers), &batch.Modifiers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal modifiers: %w", err)
	}

	rows, err := wdb.db.QueryContext(ctx,
		"SELECT number, content, choices, free_response, has_visual, visual_code, correct_answer, solution FROM worksheet_items WHERE worksheet_id = ? ORDER BY number",
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it       Item
			choices  sql.NullString
			visual   sql.NullString
			answer   AnswerRecord
			solution sql.NullString
		)
		if err := rows.Scan(&it.Number, &it.Content, &choices, &it.FreeResponse, &it.HasVisual, &visual, &answer.CorrectAnswer, &solution); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		if choices.Valid {
			if err := json.Unmarshal([]byte(choices.String), &it.Choices); err != nil {
				return nil, fmt.Errorf("failed to unmarshal choices for item %d: %w", it.Number, err)
			}
		}
		it.VisualCode = visual.String
		answer.Number = it.Number
		answer.Solution = solution.String
		batch.Items = append(batch.Items, it)
		batch.Answers = append(batch.Answers, answer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return &StoredWorksheet{WorksheetSummary: s, Batch: batch}, nil
}

// ListWorksheets returns archived worksheets, newest first. An empty callerID
// lists every caller's; limit <= 0 means no limit.
func (wdb *WorksheetDB) ListWorksheets(ctx context.Context, callerID string, limit int) ([]WorksheetSummary, error) {
	query := "SELECT " + summaryColumns + " FROM worksheets"
	var args []interface{}
	if callerID != "" {
		query += " WHERE caller_id = ?"
		args = append(args, callerID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := wdb.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list worksheets: %w", err)
	}
	defer rows.Close()

	var worksheets []WorksheetSummary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worksheet: %w", err)
		}
		worksheets = append(worksheets, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating worksheets: %w", err)
	}
	return worksheets, nil
}

// RecordUsage appends one usage row. Retried calls may add duplicates.
func (wdb *WorksheetDB) RecordUsage(ctx context.Context, callerID, batchID string) error {
	_, err := wdb.db.ExecContext(ctx,
		"INSERT INTO usage (caller_id, batch_id, created_at) VALUES (?, ?, ?)",
		callerID, batchID, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// CountUsageSince counts distinct worksheets a caller generated since t
func (wdb *WorksheetDB) CountUsageSince(ctx context.Context, callerID string, since time.Time) (int, error) {
	var n int
	err := wdb.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT batch_id) FROM usage WHERE caller_id = ? AND created_at >= ?",
		callerID, since.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return n, nil
}

// StartOfMonth returns the first instant of t's month in UTC
func StartOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
