package db

import (
	"context"
	"database/sql"
)

const (
	sqlCreateUsersTable = `CREATE TABLE IF NOT EXISTS users (
		domain TEXT NOT NULL PRIMARY KEY,
		public_key TEXT NOT NULL,
		private_key TEXT NOT NULL,
		use_instead TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	// Remote actor cache
	sqlCreateActorsTable = `CREATE TABLE IF NOT EXISTS actors (
		id TEXT NOT NULL PRIMARY KEY,
		document TEXT NOT NULL,
		inbox_uri TEXT,
		profile_url TEXT,
		display_name TEXT,
		fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_type TEXT NOT NULL,
		document TEXT NOT NULL,
		status TEXT NOT NULL,
		labels TEXT NOT NULL DEFAULT '[]',
		users TEXT NOT NULL DEFAULT '[]',
		source TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_updated_at ON activities(updated_at DESC);
		CREATE INDEX IF NOT EXISTS idx_activities_status ON activities(status);
	`

	// One row per key in activities.users, for lookups by user or actor
	sqlCreateActivityUsersTable = `CREATE TABLE IF NOT EXISTS activity_users (
		activity_id TEXT NOT NULL,
		user_key TEXT NOT NULL,
		PRIMARY KEY(activity_id, user_key)
	)`

	sqlCreateActivityUsersIndices = `
		CREATE INDEX IF NOT EXISTS idx_activity_users_user_key ON activity_users(user_key);
	`

	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		from_user TEXT NOT NULL,
		to_actor TEXT NOT NULL,
		follow TEXT,
		status TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(from_user, to_actor)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_to_actor ON followers(to_actor);
		CREATE INDEX IF NOT EXISTS idx_followers_from_status ON followers(from_user, status);
	`
)

// RunMigrations creates all tables and indices. Safe to run repeatedly.
func (db *DB) RunMigrations(ctx context.Context) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		tables := []struct {
			name string
			sql  string
		}{
			{"users", sqlCreateUsersTable},
			{"actors", sqlCreateActorsTable},
			{"activities", sqlCreateActivitiesTable},
			{"activity_users", sqlCreateActivityUsersTable},
			{"followers", sqlCreateFollowersTable},
		}
		for _, table := range tables {
			if err := db.createTableIfNotExists(ctx, tx, table.sql, table.name); err != nil {
				return err
			}
		}

		for _, indices := range []string{sqlCreateActivitiesIndices, sqlCreateActivityUsersIndices, sqlCreateFollowersIndices} {
			if _, err := tx.ExecContext(ctx, indices); err != nil {
				db.log.Warnf("Database: failed to create indices: %v", err)
			}
		}
		return nil
	})
}

func (db *DB) createTableIfNotExists(ctx context.Context, tx *sql.Tx, createSQL string, tableName string) error {
	_, err := tx.ExecContext(ctx, createSQL)
	if err != nil {
		db.log.Errorf("Database: error creating table %s: %v", tableName, err)
		return err
	}
	db.log.Debugf("Database: table %s created or already exists", tableName)
	return nil
}
