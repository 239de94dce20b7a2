package store

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	user_id TEXT PRIMARY KEY,
	automation_enabled INTEGER NOT NULL DEFAULT 1,
	disabled_reason TEXT NOT NULL DEFAULT '',
	daily_limits TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
	campaign_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL CHECK(status IN ('active','paused','completed')),
	target_filters TEXT NOT NULL DEFAULT '{}',
	sequence TEXT NOT NULL DEFAULT '[]',
	stats_sent INTEGER NOT NULL DEFAULT 0 CHECK(stats_sent >= 0),
	stats_accepted INTEGER NOT NULL DEFAULT 0 CHECK(stats_accepted >= 0),
	stats_replied INTEGER NOT NULL DEFAULT 0 CHECK(stats_replied >= 0),
	stats_views INTEGER NOT NULL DEFAULT 0 CHECK(stats_views >= 0),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS campaigns_user ON campaigns(user_id)`,
	`CREATE TABLE IF NOT EXISTS prospects (
	prospect_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	campaign_id TEXT,
	linkedin_url TEXT NOT NULL,
	full_name TEXT NOT NULL DEFAULT '',
	headline TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	company TEXT NOT NULL DEFAULT '',
	location TEXT NOT NULL DEFAULT '',
	ai_score INTEGER,
	score_reasoning TEXT NOT NULL DEFAULT '',
	stage TEXT NOT NULL DEFAULT 'new',
	connection_status TEXT NOT NULL DEFAULT 'not_sent',
	conversation_history TEXT NOT NULL DEFAULT '[]',
	last_interaction_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS prospects_campaign ON prospects(campaign_id)`,
	`CREATE TABLE IF NOT EXISTS actions (
	action_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	prospect_id TEXT NOT NULL,
	campaign_id TEXT,
	action_type TEXT NOT NULL CHECK(action_type IN ('connect','message','visit_profile')),
	action_data TEXT NOT NULL DEFAULT '{}',
	sequence_step INTEGER,
	scheduled_for INTEGER NOT NULL,
	executed_at INTEGER,
	claimed_at INTEGER,
	heartbeat_at INTEGER,
	status TEXT NOT NULL CHECK(status IN ('pending','executing','completed','failed','cancelled')),
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS actions_due ON actions(status, scheduled_for)`,
	`CREATE INDEX IF NOT EXISTS actions_user ON actions(user_id, status)`,
	`CREATE INDEX IF NOT EXISTS actions_prospect ON actions(prospect_id, campaign_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS actions_sequence_step
ON actions(prospect_id, campaign_id, sequence_step)
WHERE sequence_step IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS rate_counters (
	user_id TEXT NOT NULL,
	category TEXT NOT NULL,
	day TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0 CHECK(count >= 0),
	PRIMARY KEY(user_id, category, day)
)`,
}

// MySQL treats NULL sequence_step values as distinct, which gives the same
// partial-uniqueness as the sqlite WHERE clause.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
	user_id VARCHAR(191) PRIMARY KEY,
	automation_enabled TINYINT NOT NULL DEFAULT 1,
	disabled_reason TEXT NOT NULL,
	daily_limits TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS campaigns (
	campaign_id VARCHAR(191) PRIMARY KEY,
	user_id VARCHAR(191) NOT NULL,
	name VARCHAR(255) NOT NULL,
	status VARCHAR(32) NOT NULL,
	target_filters TEXT NOT NULL,
	sequence TEXT NOT NULL,
	stats_sent BIGINT UNSIGNED NOT NULL DEFAULT 0,
	stats_accepted BIGINT UNSIGNED NOT NULL DEFAULT 0,
	stats_replied BIGINT UNSIGNED NOT NULL DEFAULT 0,
	stats_views BIGINT UNSIGNED NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	INDEX campaigns_user (user_id)
)`,
	`CREATE TABLE IF NOT EXISTS prospects (
	prospect_id VARCHAR(191) PRIMARY KEY,
	user_id VARCHAR(191) NOT NULL,
	campaign_id VARCHAR(191),
	linkedin_url TEXT NOT NULL,
	full_name VARCHAR(255) NOT NULL DEFAULT '',
	headline VARCHAR(500) NOT NULL DEFAULT '',
	title VARCHAR(255) NOT NULL DEFAULT '',
	company VARCHAR(255) NOT NULL DEFAULT '',
	location VARCHAR(255) NOT NULL DEFAULT '',
	ai_score INT,
	score_reasoning TEXT NOT NULL,
	stage VARCHAR(32) NOT NULL DEFAULT 'new',
	connection_status VARCHAR(32) NOT NULL DEFAULT 'not_sent',
	conversation_history MEDIUMTEXT NOT NULL,
	last_interaction_at BIGINT,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	INDEX prospects_campaign (campaign_id)
)`,
	`CREATE TABLE IF NOT EXISTS actions (
	action_id VARCHAR(191) PRIMARY KEY,
	user_id VARCHAR(191) NOT NULL,
	prospect_id VARCHAR(191) NOT NULL,
	campaign_id VARCHAR(191),
	action_type VARCHAR(32) NOT NULL,
	action_data TEXT NOT NULL,
	sequence_step INT,
	scheduled_for BIGINT NOT NULL,
	executed_at BIGINT,
	claimed_at BIGINT,
	heartbeat_at BIGINT,
	status VARCHAR(32) NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at BIGINT NOT NULL,
	INDEX actions_due (status, scheduled_for),
	INDEX actions_user (user_id, status),
	UNIQUE INDEX actions_sequence_step (prospect_id, campaign_id, sequence_step)
)`,
	`CREATE TABLE IF NOT EXISTS rate_counters (
	user_id VARCHAR(191) NOT NULL,
	category VARCHAR(32) NOT NULL,
	day CHAR(10) NOT NULL,
	count INT UNSIGNED NOT NULL DEFAULT 0,
	PRIMARY KEY(user_id, category, day)
)`,
}

// Migrate creates the schema. Statements run one at a time so MySQL does not
// need multiStatements in its DSN.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectMySQL {
		schema = mysqlSchema
	}
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	return nil
}
