package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/followbridge/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// ErrNotFound is returned by the Read* methods when no row matches.
var ErrNotFound = errors.New("not found")

// MaxUseInsteadHops bounds the use_instead walk in ResolveUser.
const MaxUseInsteadHops = 10

const busyRetries = 5

// DB is the database struct.
type DB struct {
	db  *sql.DB
	log *zap.SugaredLogger
}

const (
	//Users
	sqlInsertUser       = `INSERT INTO users(domain, public_key, private_key, created_at) VALUES (?, ?, ?, ?)`
	sqlUpdateUseInstead = `UPDATE users SET use_instead = ? WHERE domain = ?`
	sqlSelectUser       = `SELECT domain, public_key, private_key, COALESCE(use_instead, ''), created_at FROM users WHERE domain = ?`
	sqlSelectAllUsers   = `SELECT domain, public_key, private_key, COALESCE(use_instead, ''), created_at FROM users ORDER BY domain`

	//Actors
	sqlUpsertActor = `INSERT INTO actors(id, document, inbox_uri, profile_url, display_name, fetched_at) VALUES (?, ?, ?, ?, ?, ?)
                        ON CONFLICT(id) DO UPDATE SET document = excluded.document, inbox_uri = excluded.inbox_uri,
                        profile_url = excluded.profile_url, display_name = excluded.display_name, fetched_at = excluded.fetched_at`
	sqlSelectActor = `SELECT id, document, COALESCE(inbox_uri, ''), COALESCE(profile_url, ''), COALESCE(display_name, ''), fetched_at FROM actors WHERE id = ?`

	//Activities
	sqlUpsertActivity = `INSERT INTO activities(id, activity_type, document, status, labels, users, source, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
                        ON CONFLICT(id) DO UPDATE SET document = excluded.document, status = excluded.status, labels = excluded.labels,
                        users = excluded.users, source = excluded.source, updated_at = excluded.updated_at`
	sqlInsertActivityUser = `INSERT OR IGNORE INTO activity_users(activity_id, user_key) VALUES (?, ?)`
	sqlSelectActivityCols = `SELECT activities.id, activities.activity_type, activities.document, activities.status, activities.labels,
                        activities.users, COALESCE(activities.source, ''), activities.created_at, activities.updated_at FROM activities`
	sqlSelectActivity         = sqlSelectActivityCols + ` WHERE activities.id = ?`
	sqlSelectRecentActivities = sqlSelectActivityCols + ` ORDER BY activities.updated_at DESC LIMIT ?`
	sqlSelectActivitiesByKey  = sqlSelectActivityCols + ` INNER JOIN activity_users ON activity_users.activity_id = activities.id
                        WHERE activity_users.user_key = ? ORDER BY activities.updated_at DESC LIMIT ?`

	//Followers
	sqlUpsertFollower = `INSERT INTO followers(id, from_user, to_actor, follow, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)
                        ON CONFLICT(from_user, to_actor) DO UPDATE SET follow = excluded.follow, status = excluded.status, updated_at = excluded.updated_at`
	sqlUpdateFollowerStatus = `UPDATE followers SET status = ?, updated_at = ? WHERE id = ?`
	sqlSelectFollowerCols   = `SELECT followers.id, followers.from_user, followers.to_actor, COALESCE(followers.follow, ''), followers.status,
                        followers.created_at, followers.updated_at FROM followers`
	sqlSelectFollowerById   = sqlSelectFollowerCols + ` WHERE followers.id = ?`
	sqlSelectFollowerByEdge = sqlSelectFollowerCols + ` WHERE followers.from_user = ? AND followers.to_actor = ?`
	sqlSelectFollowing      = `SELECT followers.id, followers.from_user, followers.to_actor, COALESCE(followers.follow, ''), followers.status,
                        followers.created_at, followers.updated_at, COALESCE(actors.profile_url, ''), COALESCE(actors.display_name, '')
                        FROM followers LEFT JOIN actors ON actors.id = followers.to_actor
                        WHERE followers.from_user = ? AND followers.status = ? ORDER BY followers.updated_at DESC`
)

// Open connects to the sqlite database at path and runs migrations.
func Open(path string, log *zap.SugaredLogger) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// every connection would get its own empty database
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)

		var journalMode string
		if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			log.Warnf("Database: failed to enable WAL mode: %v", err)
		} else {
			log.Infof("Database: journal mode %s", journalMode)
		}
		sqlDB.Exec("PRAGMA synchronous = NORMAL")
		sqlDB.Exec("PRAGMA busy_timeout = 5000")
	}

	db := &DB{db: sqlDB, log: log}
	if err := db.RunMigrations(context.Background()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.db.PingContext(ctx)
}

// CreateUser provisions a local user with a fresh signing keypair.
func (db *DB) CreateUser(ctx context.Context, user *domain.User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlInsertUser, user.Domain, user.PublicKey, user.PrivateKey, user.CreatedAt)
		return err
	})
}

// SetUseInstead points domain at another user. An empty target clears it.
func (db *DB) SetUseInstead(ctx context.Context, userDomain, target string) error {
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		var value any
		if target != "" {
			if _, err := readUser(ctx, tx, target); err != nil {
				return fmt.Errorf("use_instead target %s: %w", target, err)
			}
			value = target
		}
		res, err := tx.ExecContext(ctx, sqlUpdateUseInstead, value, userDomain)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("user %s: %w", userDomain, ErrNotFound)
		}
		return nil
	})
}

func (db *DB) ReadUser(ctx context.Context, userDomain string) (*domain.User, error) {
	return readUser(ctx, db.db, userDomain)
}

func (db *DB) ReadUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectAllUsers)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []domain.User
	for rows.Next() {
		var user domain.User
		if err := rows.Scan(&user.Domain, &user.PublicKey, &user.PrivateKey, &user.UseInstead, &user.CreatedAt); err != nil {
			return users, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// ResolveUser follows the use_instead chain from userDomain to the user that
// should actually act. Cycles and chains longer than MaxUseInsteadHops
// return domain.ErrUseInsteadCycle.
func (db *DB) ResolveUser(ctx context.Context, userDomain string) (*domain.User, error) {
	user, err := db.ReadUser(ctx, userDomain)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{user.Domain: true}
	for hops := 0; user.UseInstead != ""; hops++ {
		if hops >= MaxUseInsteadHops || seen[user.UseInstead] {
			return nil, fmt.Errorf("user %s: %w", userDomain, domain.ErrUseInsteadCycle)
		}
		next, err := db.ReadUser(ctx, user.UseInstead)
		if err != nil {
			return nil, fmt.Errorf("use_instead target %s: %w", user.UseInstead, err)
		}
		seen[next.Domain] = true
		user = next
	}
	return user, nil
}

// UpsertActor stores a fetched actor, replacing any older copy.
func (db *DB) UpsertActor(ctx context.Context, actor *domain.Actor) error {
	if actor.FetchedAt.IsZero() {
		actor.FetchedAt = time.Now().UTC()
	}
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, sqlUpsertActor, actor.Id, actor.Document, actor.InboxURI,
			actor.ProfileURL, actor.DisplayName, actor.FetchedAt)
		return err
	})
}

func (db *DB) ReadActor(ctx context.Context, id string) (*domain.Actor, error) {
	var actor domain.Actor
	row := db.db.QueryRowContext(ctx, sqlSelectActor, id)
	err := row.Scan(&actor.Id, &actor.Document, &actor.InboxURI, &actor.ProfileURL, &actor.DisplayName, &actor.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &actor, nil
}

func (db *DB) ReadActivity(ctx context.Context, id string) (*domain.Activity, error) {
	activity, err := scanActivity(db.db.QueryRowContext(ctx, sqlSelectActivity, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return activity, err
}

// ReadRecentActivities returns the most recently updated activities first.
func (db *DB) ReadRecentActivities(ctx context.Context, limit int) ([]domain.Activity, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectRecentActivities, limit)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

// ReadActivitiesByKey returns activities involving a user or actor key, as
// produced by domain.UserKey or domain.ActorKey.
func (db *DB) ReadActivitiesByKey(ctx context.Context, key string, limit int) ([]domain.Activity, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectActivitiesByKey, key, limit)
	if err != nil {
		return nil, err
	}
	return scanActivities(rows)
}

func (db *DB) ReadFollower(ctx context.Context, id uuid.UUID) (*domain.Follower, error) {
	follower, err := scanFollower(db.db.QueryRowContext(ctx, sqlSelectFollowerById, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return follower, err
}

// ReadFollowing lists the active follows of a user joined with the cached
// actor profile, newest first.
func (db *DB) ReadFollowing(ctx context.Context, userDomain string) ([]domain.Following, error) {
	rows, err := db.db.QueryContext(ctx, sqlSelectFollowing, userDomain, string(domain.FollowerActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var following []domain.Following
	for rows.Next() {
		var f domain.Following
		var status string
		if err := rows.Scan(&f.Id, &f.From, &f.To, &f.Follow, &status, &f.CreatedAt, &f.UpdatedAt,
			&f.ProfileURL, &f.DisplayName); err != nil {
			return following, err
		}
		f.Status = domain.FollowerStatus(status)
		following = append(following, f)
	}
	return following, rows.Err()
}

// CommitFollow stores a delivered Follow and marks the (from, to) edge
// active in one transaction. The returned follower carries the persisted id,
// which is the existing one when the edge was followed before.
func (db *DB) CommitFollow(ctx context.Context, activity *domain.Activity, follower *domain.Follower) (*domain.Follower, error) {
	now := time.Now().UTC()
	if follower.Id == uuid.Nil {
		follower.Id = uuid.New()
	}
	follower.Follow = activity.Id
	follower.Status = domain.FollowerActive

	var stored *domain.Follower
	err := db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		activity.Status = domain.ActivityComplete
		if err := upsertActivity(ctx, tx, activity, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, sqlUpsertFollower, follower.Id.String(), follower.From, follower.To,
			follower.Follow, string(follower.Status), now, now)
		if err != nil {
			return err
		}
		stored, err = scanFollower(tx.QueryRowContext(ctx, sqlSelectFollowerByEdge, follower.From, follower.To))
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// CommitUndo stores a delivered Undo and marks the follower inactive in one
// transaction. Returns ErrNotFound, and writes nothing, if the follower is
// gone.
func (db *DB) CommitUndo(ctx context.Context, activity *domain.Activity, followerId uuid.UUID) error {
	now := time.Now().UTC()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		activity.Status = domain.ActivityComplete
		if err := upsertActivity(ctx, tx, activity, now); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, sqlUpdateFollowerStatus, string(domain.FollowerInactive), now, followerId.String())
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("follower %s: %w", followerId, ErrNotFound)
		}
		return nil
	})
}

// RecordFailedActivity keeps an undeliverable activity for auditing. It
// never touches followers.
func (db *DB) RecordFailedActivity(ctx context.Context, activity *domain.Activity) error {
	now := time.Now().UTC()
	return db.wrapTransaction(ctx, func(tx *sql.Tx) error {
		activity.Status = domain.ActivityFailed
		return upsertActivity(ctx, tx, activity, now)
	})
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func readUser(ctx context.Context, q querier, userDomain string) (*domain.User, error) {
	var user domain.User
	err := q.QueryRowContext(ctx, sqlSelectUser, userDomain).
		Scan(&user.Domain, &user.PublicKey, &user.PrivateKey, &user.UseInstead, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func upsertActivity(ctx context.Context, tx *sql.Tx, activity *domain.Activity, now time.Time) error {
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = now
	}
	activity.UpdatedAt = now

	labels, err := json.Marshal(nonNil(activity.Labels))
	if err != nil {
		return err
	}
	users, err := json.Marshal(nonNil(activity.Users))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, sqlUpsertActivity, activity.Id, activity.ActivityType, activity.Document,
		string(activity.Status), string(labels), string(users), activity.Source, activity.CreatedAt, activity.UpdatedAt)
	if err != nil {
		return err
	}
	for _, key := range activity.Users {
		if _, err := tx.ExecContext(ctx, sqlInsertActivityUser, activity.Id, key); err != nil {
			return err
		}
	}
	return nil
}

func scanActivity(row scanner) (*domain.Activity, error) {
	var activity domain.Activity
	var status, labels, users string
	err := row.Scan(&activity.Id, &activity.ActivityType, &activity.Document, &status, &labels, &users,
		&activity.Source, &activity.CreatedAt, &activity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	activity.Status = domain.ActivityStatus(status)
	if err := json.Unmarshal([]byte(labels), &activity.Labels); err != nil {
		return nil, fmt.Errorf("activity %s labels: %w", activity.Id, err)
	}
	if err := json.Unmarshal([]byte(users), &activity.Users); err != nil {
		return nil, fmt.Errorf("activity %s users: %w", activity.Id, err)
	}
	return &activity, nil
}

func scanActivities(rows *sql.Rows) ([]domain.Activity, error) {
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		activity, err := scanActivity(rows)
		if err != nil {
			return activities, err
		}
		activities = append(activities, *activity)
	}
	return activities, rows.Err()
}

func scanFollower(row scanner) (*domain.Follower, error) {
	var follower domain.Follower
	var status string
	err := row.Scan(&follower.Id, &follower.From, &follower.To, &follower.Follow, &status,
		&follower.CreatedAt, &follower.UpdatedAt)
	if err != nil {
		return nil, err
	}
	follower.Status = domain.FollowerStatus(status)
	return &follower, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// wrapTransaction runs f within a transaction, starting over when sqlite
// reports the database as busy.
func (db *DB) wrapTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		err = db.runTransaction(ctx, f)
		if !isBusy(err) {
			return err
		}
		db.log.Debugf("Database: busy, retrying transaction (attempt %d)", attempt+1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return err
}

func (db *DB) runTransaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		db.log.Errorf("Database: error starting transaction: %v", err)
		return err
	}
	if err := f(tx); err != nil {
		tx.Rollback()
		if !errors.Is(err, ErrNotFound) && !isBusy(err) {
			db.log.Errorf("Database: error in transaction: %v", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		db.log.Errorf("Database: error committing transaction: %v", err)
		return err
	}
	return nil
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		return serr.Code() == sqlitelib.SQLITE_BUSY
	}
	return false
}
