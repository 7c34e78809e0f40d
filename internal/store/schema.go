package store

// schema creates all tables idempotently. Requests are the durable record of
// each generation attempt; artifacts hold every version of every artifact
// type in one wide table keyed by task_type; actions belong to test cases.
const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL UNIQUE,
	parent INTEGER,
	parent_type TEXT,
	project_id TEXT,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL,
	error_message TEXT,
	artifact_type TEXT,
	artifact_id INTEGER,
	platform TEXT,
	created_at TIMESTAMP NOT NULL,
	processed_at TIMESTAMP,
	updated_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_type TEXT NOT NULL,
	parent INTEGER,
	parent_type TEXT,
	project_id TEXT,
	team_project_id INTEGER,
	title TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	tags TEXT,
	reflection TEXT,
	summary TEXT,
	acceptance_criteria TEXT,
	priority TEXT,
	dod TEXT,
	dor TEXT,
	estimate TEXT,
	gherkin TEXT,
	script TEXT,
	wbs TEXT,
	repro_steps TEXT,
	system_info TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	is_active INTEGER NOT NULL DEFAULT 1,
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	work_item_id TEXT,
	parent_board_id TEXT,
	platform TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_lineage
	ON artifacts (task_type, parent, parent_type, is_active);
CREATE INDEX IF NOT EXISTS idx_artifacts_project
	ON artifacts (project_id);

CREATE TABLE IF NOT EXISTS actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	test_case_id INTEGER NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
	step TEXT NOT NULL,
	expected_result TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	is_active INTEGER NOT NULL DEFAULT 1,
	platform TEXT
);

CREATE INDEX IF NOT EXISTS idx_actions_test_case ON actions (test_case_id);
`
