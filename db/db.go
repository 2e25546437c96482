package db

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/karluk/avens/domain"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the database struct. It is opened once in main and passed
// explicitly to every component that needs storage.
type DB struct {
	db *sql.DB
}

const (
	sqlInsertActor = `INSERT INTO actors(id, kind, username, domain, actor_uri, inbox_uri, shared_inbox_uri,
						display_name, summary, public_key_pem, private_key_pem, local, banned, title, post_count,
						last_refreshed_at, created_at)
						VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlUpdateActor = `UPDATE actors SET inbox_uri = ?, shared_inbox_uri = ?, display_name = ?, summary = ?,
						public_key_pem = ?, title = ?, last_refreshed_at = ? WHERE actor_uri = ?`

	sqlActorColumns = `id, kind, username, domain, actor_uri, inbox_uri, shared_inbox_uri, display_name, summary,
						public_key_pem, private_key_pem, local, banned, title, post_count, last_refreshed_at, created_at`

	sqlSelectActorByURI  = `SELECT ` + sqlActorColumns + ` FROM actors WHERE actor_uri = ?`
	sqlSelectActorById   = `SELECT ` + sqlActorColumns + ` FROM actors WHERE id = ?`
	sqlSelectActorByName = `SELECT ` + sqlActorColumns + ` FROM actors WHERE username = ? AND domain = ? AND kind = ?`

	sqlIncrementPostCount = `UPDATE actors SET post_count = post_count + 1 WHERE id = ?`
	sqlSetActorBanned     = `UPDATE actors SET banned = ? WHERE id = ?`
)

// Open opens (and creates, if necessary) the sqlite database at path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Configure connection pool for concurrent access
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Printf("Warning: Failed to enable WAL mode: %v", err)
	} else {
		log.Printf("Database journal mode: %s", journalMode)
	}

	// Connection defaults for a concurrent federation workload
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	return &DB{db: sqlDB}, nil
}

// OpenMemory opens a throwaway in-memory database, used by tests.
func OpenMemory() (*DB, error) {
	sqlDB, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	// The in-memory database disappears with its connection, so the pool
	// must be pinned to a single one.
	sqlDB.SetMaxOpenConns(1)
	return &DB{db: sqlDB}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// wrapTransaction runs the given function within a transaction.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("error starting transaction: %s", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			serr, ok := err.(*sqlite.Error)
			if ok && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Printf("error committing transaction: %s", err)
			return err
		}
		break
	}
	return nil
}

func (db *DB) CreateActor(a *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActor,
			a.Id.String(), string(a.Kind), a.Username, a.Domain, a.ActorURI, a.InboxURI, a.SharedInboxURI,
			a.DisplayName, a.Summary, a.PublicKeyPem, a.PrivateKeyPem, boolToInt(a.Local), boolToInt(a.Banned),
			a.Title, a.PostCount, a.LastRefreshedAt, a.CreatedAt)
		return err
	})
}

// UpdateActor refreshes the mutable fields of a cached remote actor.
func (db *DB) UpdateActor(a *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActor,
			a.InboxURI, a.SharedInboxURI, a.DisplayName, a.Summary,
			a.PublicKeyPem, a.Title, a.LastRefreshedAt, a.ActorURI)
		return err
	})
}

func (db *DB) ReadActorByURI(uri string) (error, *domain.Actor) {
	return db.scanActor(db.db.QueryRow(sqlSelectActorByURI, uri))
}

func (db *DB) ReadActorById(id uuid.UUID) (error, *domain.Actor) {
	return db.scanActor(db.db.QueryRow(sqlSelectActorById, id.String()))
}

func (db *DB) ReadActorByName(username, domainName string, kind domain.ActorKind) (error, *domain.Actor) {
	return db.scanActor(db.db.QueryRow(sqlSelectActorByName, username, domainName, string(kind)))
}

func (db *DB) IncrementPostCount(communityId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlIncrementPostCount, communityId.String())
		return err
	})
}

func (db *DB) SetActorBanned(id uuid.UUID, banned bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetActorBanned, boolToInt(banned), id.String())
		return err
	})
}

func (db *DB) scanActor(row *sql.Row) (error, *domain.Actor) {
	var a domain.Actor
	var id, kind string
	var sharedInbox, displayName, summary, privateKey, title sql.NullString
	var local, banned int
	err := row.Scan(&id, &kind, &a.Username, &a.Domain, &a.ActorURI, &a.InboxURI, &sharedInbox,
		&displayName, &summary, &a.PublicKeyPem, &privateKey, &local, &banned,
		&title, &a.PostCount, &a.LastRefreshedAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	a.Id, err = uuid.Parse(id)
	if err != nil {
		return err, nil
	}
	a.Kind = domain.ActorKind(kind)
	a.SharedInboxURI = sharedInbox.String
	a.DisplayName = displayName.String
	a.Summary = summary.String
	a.PrivateKeyPem = privateKey.String
	a.Title = title.String
	a.Local = local != 0
	a.Banned = banned != 0
	return nil, &a
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
