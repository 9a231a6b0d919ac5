package store

const schema = `
CREATE TABLE IF NOT EXISTS activity_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ms INTEGER NOT NULL,
	user TEXT NOT NULL,
	window_title TEXT NOT NULL DEFAULT '',
	process_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	sync_state TEXT NOT NULL DEFAULT 'pending',
	batch_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_activity_sync_state ON activity_records(sync_state);
CREATE INDEX IF NOT EXISTS idx_activity_batch_id ON activity_records(batch_id);

CREATE TABLE IF NOT EXISTS idle_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	start_ms INTEGER NOT NULL,
	end_ms INTEGER NOT NULL,
	duration_seconds INTEGER NOT NULL,
	reason TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	user TEXT NOT NULL,
	session_id TEXT NOT NULL,
	active_application TEXT NOT NULL DEFAULT '',
	sync_state TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS screenshot_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_ms INTEGER NOT NULL,
	user TEXT NOT NULL,
	session_id TEXT NOT NULL,
	local_path TEXT NOT NULL,
	upload_state TEXT NOT NULL DEFAULT 'pending'
);
`
