package store

// Migration is one ordered, named schema change. Migrations are applied in
// slice order inside individual transactions; a schema_migrations row
// records completion so re-opening an existing database is idempotent.
type Migration struct {
	Name string
	SQL  string
}

var migrations = []Migration{
	{
		Name: "0001_state",
		SQL: `
CREATE TABLE state (
  id INTEGER PRIMARY KEY CHECK (id = 1),
  blob TEXT NOT NULL
);
`,
	},
	{
		Name: "0002_queue",
		SQL: `
CREATE TABLE queue (
  id TEXT PRIMARY KEY,
  callback TEXT NOT NULL,
  payload TEXT,
  created_at TEXT NOT NULL
);
CREATE INDEX idx_queue_created_at ON queue(created_at, id);
`,
	},
	{
		Name: "0003_schedule",
		SQL: `
CREATE TABLE schedule (
  id TEXT PRIMARY KEY,
  callback TEXT NOT NULL,
  payload TEXT,
  type TEXT NOT NULL CHECK (type IN ('scheduled', 'delayed', 'cron')),
  time INTEGER NOT NULL,
  delay_seconds INTEGER,
  cron TEXT,
  created_at TEXT NOT NULL
);
CREATE INDEX idx_schedule_time ON schedule(time);
`,
	},
	{
		Name: "0004_mcp_servers",
		SQL: `
CREATE TABLE mcp_servers (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  server_url TEXT NOT NULL,
  callback_url TEXT,
  client_id TEXT,
  auth_url TEXT,
  server_options TEXT
);
`,
	},
	{
		Name: "0005_chat_messages",
		SQL: `
CREATE TABLE chat_messages (
  id TEXT PRIMARY KEY,
  message TEXT NOT NULL,
  created_at TEXT NOT NULL
);
CREATE INDEX idx_chat_messages_created_at ON chat_messages(created_at, id);
`,
	},
}
