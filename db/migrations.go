package db

import (
	"database/sql"
	"log"
)

const (
	// Actors: local and remote users and communities in one table.
	// private_key_pem is only ever populated for local rows.
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		username TEXT NOT NULL,
		domain TEXT NOT NULL,
		actor_uri TEXT UNIQUE NOT NULL,
		inbox_uri TEXT NOT NULL,
		shared_inbox_uri TEXT,
		display_name TEXT,
		summary TEXT,
		public_key_pem TEXT NOT NULL,
		private_key_pem TEXT,
		local INTEGER DEFAULT 0,
		banned INTEGER DEFAULT 0,
		title TEXT,
		post_count INTEGER DEFAULT 0,
		last_refreshed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(username, domain, kind)
	)`

	sqlCreateActorsIndices = `
		CREATE INDEX IF NOT EXISTS idx_actors_actor_uri ON actors(actor_uri);
		CREATE INDEX IF NOT EXISTS idx_actors_domain ON actors(domain);
		CREATE INDEX IF NOT EXISTS idx_actors_kind ON actors(kind);
	`

	// Per-server delivery health. Never deleted, only flagged.
	sqlCreateInstancesTable = `CREATE TABLE IF NOT EXISTS instances (
		id TEXT NOT NULL PRIMARY KEY,
		domain TEXT UNIQUE NOT NULL,
		inbox_uri TEXT,
		vote_weight REAL DEFAULT 1.0,
		failures INTEGER DEFAULT 0,
		last_successful_send TIMESTAMP,
		most_recent_attempt TIMESTAMP,
		start_trying_again TIMESTAMP,
		dormant INTEGER DEFAULT 0,
		banned INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateInstancesIndices = `
		CREATE INDEX IF NOT EXISTS idx_instances_domain ON instances(domain);
	`

	// Append-only audit log of inbound and outbound activities.
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		direction TEXT NOT NULL,
		activity_uri TEXT,
		activity_type TEXT NOT NULL,
		actor_uri TEXT,
		raw_json TEXT NOT NULL,
		result TEXT NOT NULL,
		message TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_uri ON activities(activity_uri);
		CREATE INDEX IF NOT EXISTS idx_activities_result ON activities(result);
		CREATE INDEX IF NOT EXISTS idx_activities_created_at ON activities(created_at DESC);
	`

	sqlCreatePostsTable = `CREATE TABLE IF NOT EXISTS posts (
		id TEXT NOT NULL PRIMARY KEY,
		community_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		title TEXT NOT NULL,
		url TEXT,
		thumbnail_url TEXT,
		body_html TEXT,
		body_markdown TEXT,
		ap_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreatePostsIndices = `
		CREATE INDEX IF NOT EXISTS idx_posts_community_id ON posts(community_id);
		CREATE INDEX IF NOT EXISTS idx_posts_ap_id ON posts(ap_id);
		CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);
	`

	sqlCreateRepliesTable = `CREATE TABLE IF NOT EXISTS post_replies (
		id TEXT NOT NULL PRIMARY KEY,
		post_id TEXT NOT NULL,
		parent_id TEXT,
		author_id TEXT NOT NULL,
		body_html TEXT,
		ap_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRepliesIndices = `
		CREATE INDEX IF NOT EXISTS idx_replies_post_id ON post_replies(post_id);
		CREATE INDEX IF NOT EXISTS idx_replies_ap_id ON post_replies(ap_id);
	`

	sqlCreateVotesTable = `CREATE TABLE IF NOT EXISTS votes (
		id TEXT NOT NULL PRIMARY KEY,
		actor_id TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		effect REAL NOT NULL,
		ap_id TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(actor_id, target_kind, target_id)
	)`

	sqlCreateVotesIndices = `
		CREATE INDEX IF NOT EXISTS idx_votes_target ON votes(target_kind, target_id);
		CREATE INDEX IF NOT EXISTS idx_votes_ap_id ON votes(ap_id);
	`

	sqlCreateMembersTable = `CREATE TABLE IF NOT EXISTS community_members (
		id TEXT NOT NULL PRIMARY KEY,
		community_id TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		status TEXT NOT NULL,
		uri TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(community_id, actor_id)
	)`

	sqlCreateMembersIndices = `
		CREATE INDEX IF NOT EXISTS idx_members_community_id ON community_members(community_id);
		CREATE INDEX IF NOT EXISTS idx_members_actor_id ON community_members(actor_id);
		CREATE INDEX IF NOT EXISTS idx_members_uri ON community_members(uri);
	`

	sqlCreateDeliveriesTable = `CREATE TABLE IF NOT EXISTS deliveries (
		id TEXT NOT NULL PRIMARY KEY,
		instance_domain TEXT NOT NULL,
		inbox_uri TEXT NOT NULL,
		activity_json TEXT NOT NULL,
		attempts INTEGER DEFAULT 0,
		next_retry_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateDeliveriesIndices = `
		CREATE INDEX IF NOT EXISTS idx_deliveries_next_retry ON deliveries(next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_deliveries_instance ON deliveries(instance_domain);
	`
)

// RunMigrations creates all tables and indices. Statements are idempotent
// so this is safe to run on every startup.
func (db *DB) RunMigrations() error {
	log.Println("Running database migrations...")

	statements := []struct {
		name string
		sql  string
	}{
		{"actors table", sqlCreateActorsTable},
		{"actors indices", sqlCreateActorsIndices},
		{"instances table", sqlCreateInstancesTable},
		{"instances indices", sqlCreateInstancesIndices},
		{"activities table", sqlCreateActivitiesTable},
		{"activities indices", sqlCreateActivitiesIndices},
		{"posts table", sqlCreatePostsTable},
		{"posts indices", sqlCreatePostsIndices},
		{"post_replies table", sqlCreateRepliesTable},
		{"post_replies indices", sqlCreateRepliesIndices},
		{"votes table", sqlCreateVotesTable},
		{"votes indices", sqlCreateVotesIndices},
		{"community_members table", sqlCreateMembersTable},
		{"community_members indices", sqlCreateMembersIndices},
		{"deliveries table", sqlCreateDeliveriesTable},
		{"deliveries indices", sqlCreateDeliveriesIndices},
	}

	for _, stmt := range statements {
		if err := db.execMigration(stmt.name, stmt.sql); err != nil {
			return err
		}
	}

	log.Println("Database migrations complete")
	return nil
}

func (db *DB) execMigration(name, stmt string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(stmt); err != nil {
			log.Printf("Migration %q failed: %v", name, err)
			return err
		}
		return nil
	})
}
