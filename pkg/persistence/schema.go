package persistence

import "database/sql"

// CurrentSchemaVersion is recorded so a future migration runner (this core
// needs none yet) has a starting point.
const CurrentSchemaVersion = 1

const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS threads (
	id TEXT PRIMARY KEY,
	title TEXT,
	created_at TIMESTAMP NOT NULL,
	summary TEXT,
	summary_updated_at TIMESTAMP,
	summary_lang TEXT,
	summary_quality TEXT,
	is_summarizing BOOLEAN NOT NULL DEFAULT 0,
	summary_source_hash TEXT,
	last_summary_run_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK (role IN ('system','user','assistant','tool')),
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	input_tokens INTEGER,
	output_tokens INTEGER,
	total_tokens INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at);

CREATE TABLE IF NOT EXISTS l2_summaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	start_message_id TEXT NOT NULL,
	end_message_id TEXT NOT NULL,
	text TEXT NOT NULL,
	tokens INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(thread_id, start_message_id, end_message_id)
);
CREATE INDEX IF NOT EXISTS idx_l2_thread ON l2_summaries(thread_id, id);

CREATE TABLE IF NOT EXISTS l3_microsummaries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	start_l2_id INTEGER NOT NULL,
	end_l2_id INTEGER NOT NULL,
	text TEXT NOT NULL,
	tokens INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_l3_thread ON l3_microsummaries(thread_id, id);

CREATE TABLE IF NOT EXISTS memory_state (
	thread_id TEXT PRIMARY KEY REFERENCES threads(id) ON DELETE CASCADE,
	last_compacted_message_id TEXT,
	l1_tokens INTEGER NOT NULL DEFAULT 0,
	l2_tokens INTEGER NOT NULL DEFAULT 0,
	l3_tokens INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS profile (
	id INTEGER PRIMARY KEY DEFAULT 1,
	display_name TEXT,
	preferred_language TEXT,
	tone TEXT,
	timezone TEXT,
	region_coarse TEXT,
	work_hours TEXT,
	ui_format_prefs TEXT,
	goals_mood TEXT,
	decisions_tasks TEXT,
	brevity TEXT,
	format_defaults TEXT,
	interests_topics TEXT,
	workflow_tools TEXT,
	os TEXT,
	runtime TEXT,
	hardware_hint TEXT,
	updated_at TIMESTAMP,
	source TEXT,
	confidence REAL,
	CHECK (id = 1)
);

CREATE TABLE IF NOT EXISTS responses (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	request_json TEXT,
	response_json TEXT,
	status TEXT NOT NULL,
	model TEXT,
	provider_name TEXT,
	provider_base_url TEXT,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cost NUMERIC NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_responses_thread ON responses(thread_id, created_at);

CREATE TABLE IF NOT EXISTS tool_runs (
	id TEXT PRIMARY KEY,
	thread_id TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	attempt_id TEXT,
	tool_name TEXT,
	args_json TEXT,
	args_hash TEXT,
	result_text TEXT,
	status TEXT NOT NULL DEFAULT 'done',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tool_runs_thread ON tool_runs(thread_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tool_runs_name ON tool_runs(tool_name);
CREATE INDEX IF NOT EXISTS idx_tool_runs_hash ON tool_runs(args_hash);
`

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(createSchemaSQL); err != nil {
		return err
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := db.Exec(`INSERT INTO schema_version(version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			return err
		}
	}
	return nil
}
