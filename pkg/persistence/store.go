package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store implements C4, the Memory Store. Every method is one unit of work;
// callers needing atomicity across methods (L3 insert + L2 delete) get a
// dedicated method that wraps both in a transaction.
type Store struct {
	db *sql.DB
}

// NewStore wraps an existing *sql.DB.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateThread creates a new thread, generating an id.
func (s *Store) CreateThread(title string) (Thread, error) {
	t := Thread{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO threads(id, title, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Title, t.CreatedAt,
	)
	if err != nil {
		return Thread{}, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

// GetThread loads a thread by id, creating it implicitly if it doesn't
// exist yet (per §3: "created implicitly on first request").
func (s *Store) GetThread(id string) (Thread, error) {
	var t Thread
	var summaryUpdated, lastRun sql.NullTime
	row := s.db.QueryRow(
		`SELECT id, title, created_at, summary, summary_updated_at, summary_lang,
		        summary_quality, is_summarizing, summary_source_hash, last_summary_run_at
		 FROM threads WHERE id = ?`, id,
	)
	var title, summary, lang, quality, hash sql.NullString
	err := row.Scan(&t.ID, &title, &t.CreatedAt, &summary, &summaryUpdated, &lang,
		&quality, &t.IsSummarizing, &hash, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		t.ID = id
		t.CreatedAt = time.Now().UTC()
		_, insErr := s.db.Exec(`INSERT INTO threads(id, created_at) VALUES (?, ?)`, t.ID, t.CreatedAt)
		if insErr != nil {
			return Thread{}, fmt.Errorf("create thread implicitly: %w", insErr)
		}
		return t, nil
	}
	if err != nil {
		return Thread{}, fmt.Errorf("get thread: %w", err)
	}
	t.Title = title.String
	t.Summary = summary.String
	t.SummaryLang = lang.String
	t.SummaryQuality = quality.String
	t.SummarySourceHash = hash.String
	if summaryUpdated.Valid {
		t.SummaryUpdatedAt = &summaryUpdated.Time
	}
	if lastRun.Valid {
		t.LastSummaryRunAt = &lastRun.Time
	}
	return t, nil
}

// AppendMessage persists a new message and returns it with its assigned id
// and timestamp.
func (s *Store) AppendMessage(threadID string, role Role, content string, tokens *int) (Message, error) {
	m := Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if role == RoleAssistant {
		m.OutputTokens = tokens
		m.TotalTokens = tokens
	} else {
		m.InputTokens = tokens
		m.TotalTokens = tokens
	}
	_, err := s.db.Exec(
		`INSERT INTO messages(id, thread_id, role, content, created_at, input_tokens, output_tokens, total_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, string(m.Role), m.Content, m.CreatedAt, m.InputTokens, m.OutputTokens, m.TotalTokens,
	)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

var (
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	trailingJSON = regexp.MustCompile(`(?s)\s*\{[^{}]*\}\s*$`)
)

// Sanitize strips chain-of-thought blocks and a trailing tool-call JSON
// object from message content before it is fed back into any prompt.
func Sanitize(content string) string {
	out := thinkBlockRe.ReplaceAllString(content, "")
	out = trailingJSON.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// GetMessagesAsc returns user/assistant messages for a thread in
// chronological order, sanitized, optionally excluding one message id and
// capped at maxItems (0 = unlimited).
func (s *Store) GetMessagesAsc(threadID string, excludeMessageID string, maxItems int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, role, content, created_at, input_tokens, output_tokens, total_tokens
		 FROM messages
		 WHERE thread_id = ? AND role IN ('user','assistant')
		 ORDER BY created_at ASC, id ASC`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages asc: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		var in, outTok, total sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.CreatedAt, &in, &outTok, &total); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.ID == excludeMessageID {
			continue
		}
		m.Role = Role(role)
		m.Content = Sanitize(m.Content)
		if in.Valid {
			v := int(in.Int64)
			m.InputTokens = &v
		}
		if outTok.Valid {
			v := int(outTok.Int64)
			m.OutputTokens = &v
		}
		if total.Valid {
			v := int(total.Int64)
			m.TotalTokens = &v
		}
		out = append(out, m)
	}
	if maxItems > 0 && len(out) > maxItems {
		out = out[len(out)-maxItems:]
	}
	return out, rows.Err()
}

// GetL2Asc returns up to limit L2 rows in ascending id order (0 = unlimited).
func (s *Store) GetL2Asc(threadID string, limit int) ([]L2Summary, error) {
	query := `SELECT id, thread_id, start_message_id, end_message_id, text, tokens, created_at
	          FROM l2_summaries WHERE thread_id = ? ORDER BY id ASC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get l2 asc: %w", err)
	}
	defer rows.Close()

	var out []L2Summary
	for rows.Next() {
		var l L2Summary
		if err := rows.Scan(&l.ID, &l.ThreadID, &l.StartMessageID, &l.EndMessageID, &l.Text, &l.Tokens, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan l2: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetL3Asc returns up to limit L3 rows in ascending id order (0 = unlimited).
func (s *Store) GetL3Asc(threadID string, limit int) ([]L3MicroSummary, error) {
	query := `SELECT id, thread_id, start_l2_id, end_l2_id, text, tokens, created_at
	          FROM l3_microsummaries WHERE thread_id = ? ORDER BY id ASC`
	args := []any{threadID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("get l3 asc: %w", err)
	}
	defer rows.Close()

	var out []L3MicroSummary
	for rows.Next() {
		var l L3MicroSummary
		if err := rows.Scan(&l.ID, &l.ThreadID, &l.StartL2ID, &l.EndL2ID, &l.Text, &l.Tokens, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan l3: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// InsertL2 writes an L2 record. If the pair already has an L2 with the same
// (start, end), it is silently skipped (the unique index makes the insert a
// no-op).
func (s *Store) InsertL2(threadID, startMsgID, endMsgID, text string, tokens int) error {
	_, err := s.db.Exec(
		`INSERT INTO l2_summaries(thread_id, start_message_id, end_message_id, text, tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id, start_message_id, end_message_id) DO NOTHING`,
		threadID, startMsgID, endMsgID, text, tokens, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert l2: %w", err)
	}
	return nil
}

// InsertL3 atomically inserts an L3 row spanning l2IDs and deletes those L2
// rows, in one transaction.
func (s *Store) InsertL3(threadID string, l2IDs []int64, text string, tokens int) error {
	if len(l2IDs) == 0 {
		return nil
	}
	start, end := l2IDs[0], l2IDs[0]
	for _, id := range l2IDs[1:] {
		if id < start {
			start = id
		}
		if id > end {
			end = id
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("insert l3 begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO l3_microsummaries(thread_id, start_l2_id, end_l2_id, text, tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		threadID, start, end, text, tokens, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert l3: %w", err)
	}

	placeholders := make([]string, len(l2IDs))
	args := make([]any, 0, len(l2IDs)+1)
	args = append(args, threadID)
	for i, id := range l2IDs {
		placeholders[i] = "?"
		args = append(args, id)
	}
	_, err = tx.Exec(
		fmt.Sprintf(`DELETE FROM l2_summaries WHERE thread_id = ? AND id IN (%s)`, strings.Join(placeholders, ",")),
		args...,
	)
	if err != nil {
		return fmt.Errorf("delete consumed l2 rows: %w", err)
	}

	return tx.Commit()
}

// PickOldestL2Block returns the oldest up-to-maxItems L2 rows by id.
func (s *Store) PickOldestL2Block(threadID string, maxItems int) ([]L2Summary, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, start_message_id, end_message_id, text, tokens, created_at
		 FROM l2_summaries WHERE thread_id = ? ORDER BY id ASC LIMIT ?`,
		threadID, maxItems,
	)
	if err != nil {
		return nil, fmt.Errorf("pick oldest l2 block: %w", err)
	}
	defer rows.Close()

	var out []L2Summary
	for rows.Next() {
		var l L2Summary
		if err := rows.Scan(&l.ID, &l.ThreadID, &l.StartMessageID, &l.EndMessageID, &l.Text, &l.Tokens, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan l2: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// EvictL3Oldest removes the count oldest L3 rows for a thread.
func (s *Store) EvictL3Oldest(threadID string, count int) (int, error) {
	res, err := s.db.Exec(
		`DELETE FROM l3_microsummaries WHERE id IN (
			SELECT id FROM l3_microsummaries WHERE thread_id = ? ORDER BY id ASC LIMIT ?
		)`, threadID, count,
	)
	if err != nil {
		return 0, fmt.Errorf("evict l3 oldest: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MemoryStateRead reads the diagnostic per-layer token cache for a thread.
func (s *Store) MemoryStateRead(threadID string) (MemoryState, error) {
	var ms MemoryState
	var lastCompacted sql.NullString
	row := s.db.QueryRow(
		`SELECT thread_id, last_compacted_message_id, l1_tokens, l2_tokens, l3_tokens, updated_at
		 FROM memory_state WHERE thread_id = ?`, threadID,
	)
	err := row.Scan(&ms.ThreadID, &lastCompacted, &ms.L1Tokens, &ms.L2Tokens, &ms.L3Tokens, &ms.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryState{ThreadID: threadID}, nil
	}
	if err != nil {
		return MemoryState{}, fmt.Errorf("memory state read: %w", err)
	}
	ms.LastCompactedMessageID = lastCompacted.String
	return ms, nil
}

// MemoryStateUpdate upserts the per-layer token cache and the
// last-compacted-message cursor for a thread. lastCompactedMessageID is left
// unchanged when empty is passed while a row already exists, since most
// callers only refresh the token snapshot.
func (s *Store) MemoryStateUpdate(threadID, lastCompactedMessageID string, l1, l2, l3 int) error {
	_, err := s.db.Exec(
		`INSERT INTO memory_state(thread_id, last_compacted_message_id, l1_tokens, l2_tokens, l3_tokens, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET
		   last_compacted_message_id = CASE WHEN excluded.last_compacted_message_id = ''
		     THEN memory_state.last_compacted_message_id ELSE excluded.last_compacted_message_id END,
		   l1_tokens = excluded.l1_tokens,
		   l2_tokens = excluded.l2_tokens,
		   l3_tokens = excluded.l3_tokens,
		   updated_at = excluded.updated_at`,
		threadID, lastCompactedMessageID, l1, l2, l3, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("memory state update: %w", err)
	}
	return nil
}

// GetProfile reads the single-row profile, returning a zero-value Profile
// if none has been written yet.
func (s *Store) GetProfile() (Profile, error) {
	var p Profile
	row := s.db.QueryRow(
		`SELECT id, display_name, preferred_language, tone, timezone, region_coarse, work_hours,
		        ui_format_prefs, goals_mood, decisions_tasks, brevity, format_defaults,
		        interests_topics, workflow_tools, os, runtime, hardware_hint, updated_at, source, confidence
		 FROM profile WHERE id = 1`,
	)
	var updatedAt sql.NullTime
	var source sql.NullString
	var confidence sql.NullFloat64
	err := row.Scan(&p.ID, &p.DisplayName, &p.PreferredLanguage, &p.Tone, &p.Timezone, &p.RegionCoarse,
		&p.WorkHours, &p.UIFormatPrefs, &p.GoalsMood, &p.DecisionsTasks, &p.Brevity, &p.FormatDefaults,
		&p.InterestsTopics, &p.WorkflowTools, &p.OS, &p.Runtime, &p.HardwareHint, &updatedAt, &source, &confidence)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, nil
	}
	if err != nil {
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	if updatedAt.Valid {
		p.UpdatedAt = updatedAt.Time
	}
	p.Source = source.String
	p.Confidence = confidence.Float64
	return p, nil
}

// InsertResponse persists a response record; Cost is always 0, populated
// only by the excluded pricing component.
func (s *Store) InsertResponse(r Response) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO responses(id, thread_id, request_json, response_json, status, model,
		   provider_name, provider_base_url, input_tokens, output_tokens, total_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ThreadID, r.RequestJSON, r.ResponseJSON, r.Status, r.Model,
		r.ProviderName, r.ProviderBaseURL, r.InputTokens, r.OutputTokens, r.TotalTokens, r.Cost, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	return nil
}

// GetToolRunsForThread returns tool run records for a thread in creation
// order, read by the Context Assembler when rendering the tool-results
// block.
func (s *Store) GetToolRunsForThread(threadID string) ([]ToolRun, error) {
	rows, err := s.db.Query(
		`SELECT id, thread_id, attempt_id, tool_name, args_json, args_hash, result_text, status, created_at
		 FROM tool_runs WHERE thread_id = ? ORDER BY created_at ASC`, threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("get tool runs: %w", err)
	}
	defer rows.Close()

	var out []ToolRun
	for rows.Next() {
		var tr ToolRun
		if err := rows.Scan(&tr.ID, &tr.ThreadID, &tr.AttemptID, &tr.ToolName, &tr.ArgsJSON,
			&tr.ArgsHash, &tr.ResultText, &tr.Status, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tool run: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}
