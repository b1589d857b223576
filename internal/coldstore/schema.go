package coldstore

// Schema DDL for the cold tier. Statements are idempotent so EnsureSchema can
// run on every startup. Indexes mirror the query API's filter combinations.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS mono_events (
		event_id      UUID PRIMARY KEY,
		timestamp     TIMESTAMPTZ  NOT NULL,
		source_stream VARCHAR(255) NOT NULL,
		event_type    VARCHAR(50)  NOT NULL,
		value         DOUBLE PRECISION NOT NULL,
		metadata      JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_mono_timestamp ON mono_events (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_mono_timestamp_source ON mono_events (timestamp, source_stream)`,
	`CREATE INDEX IF NOT EXISTS idx_mono_timestamp_type ON mono_events (timestamp, event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_mono_source_type ON mono_events (source_stream, event_type)`,

	`CREATE TABLE IF NOT EXISTS multi_events (
		event_id         UUID PRIMARY KEY,
		timestamp        TIMESTAMPTZ  NOT NULL,
		event_type       VARCHAR(50)  NOT NULL,
		correlation_rule VARCHAR(255) NOT NULL,
		source_events    JSONB NOT NULL,
		integrated_value DOUBLE PRECISION NOT NULL,
		confidence       DOUBLE PRECISION NOT NULL,
		lineage          JSONB NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_multi_timestamp ON multi_events (timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_multi_timestamp_rule ON multi_events (timestamp, correlation_rule)`,
	`CREATE INDEX IF NOT EXISTS idx_multi_timestamp_confidence ON multi_events (timestamp, confidence)`,

	`CREATE TABLE IF NOT EXISTS archive_checkpoints (
		stream_name       VARCHAR(255) NOT NULL,
		broker_message_id VARCHAR(255) NOT NULL,
		archived_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
		event_id          UUID NOT NULL,
		PRIMARY KEY (stream_name, broker_message_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_checkpoints_archived_at ON archive_checkpoints (archived_at)`,
}
