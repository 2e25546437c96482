package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/karluk/avens/domain"
)

// Instances queries
const (
	sqlInsertInstance = `INSERT INTO instances(id, domain, inbox_uri, vote_weight, failures, start_trying_again, created_at)
							VALUES (?, ?, ?, 1.0, 0, ?, ?)`

	sqlSelectInstanceByDomain = `SELECT id, domain, inbox_uri, vote_weight, failures, last_successful_send,
							most_recent_attempt, start_trying_again, dormant, banned, created_at
							FROM instances WHERE domain = ?`

	// Health updates address a single row by domain; sqlite serializes
	// writers, which is all the per-instance locking the design needs.
	sqlUpdateInstanceHealth = `UPDATE instances SET failures = ?, last_successful_send = ?, most_recent_attempt = ?,
							start_trying_again = ?, dormant = ? WHERE domain = ?`

	sqlSetInstanceBanned = `UPDATE instances SET banned = ? WHERE domain = ?`
)

// Activities queries
const (
	sqlInsertActivity = `INSERT INTO activities(id, direction, activity_uri, activity_type, actor_uri, raw_json, result, message, created_at)
							VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlFinishActivity = `UPDATE activities SET result = ?, message = ? WHERE id = ?`

	sqlSelectActivityByURI = `SELECT id, direction, activity_uri, activity_type, actor_uri, raw_json, result, message, created_at
							FROM activities WHERE activity_uri = ? AND direction = ?`
)

// Deliveries queries
const (
	sqlInsertDelivery = `INSERT INTO deliveries(id, instance_domain, inbox_uri, activity_json, attempts, next_retry_at, created_at)
							VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlSelectPendingDeliveries = `SELECT id, instance_domain, inbox_uri, activity_json, attempts, next_retry_at, created_at
							FROM deliveries WHERE next_retry_at <= ? ORDER BY next_retry_at LIMIT ?`

	sqlUpdateDeliveryAttempt = `UPDATE deliveries SET attempts = ?, next_retry_at = ? WHERE id = ?`

	sqlDeleteDelivery = `DELETE FROM deliveries WHERE id = ?`

	sqlDeleteDeliveriesForInstance = `DELETE FROM deliveries WHERE instance_domain = ?`
)

// EnsureInstance returns the health record for a domain, creating a fresh
// one on first contact with a new remote server.
func (db *DB) EnsureInstance(domainName, inboxURI string) (error, *domain.Instance) {
	err, existing := db.ReadInstanceByDomain(domainName)
	if err == nil && existing != nil {
		return nil, existing
	}

	inst := &domain.Instance{
		Id:               uuid.New(),
		Domain:           domainName,
		InboxURI:         inboxURI,
		VoteWeight:       1.0,
		StartTryingAgain: time.Now(),
		CreatedAt:        time.Now(),
	}

	err = db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertInstance,
			inst.Id.String(), inst.Domain, inst.InboxURI, inst.StartTryingAgain, inst.CreatedAt)
		return err
	})
	if err != nil {
		// Lost a race with a concurrent insert, read the winner.
		err2, winner := db.ReadInstanceByDomain(domainName)
		if err2 == nil && winner != nil {
			return nil, winner
		}
		return err, nil
	}
	return nil, inst
}

func (db *DB) ReadInstanceByDomain(domainName string) (error, *domain.Instance) {
	row := db.db.QueryRow(sqlSelectInstanceByDomain, domainName)
	var inst domain.Instance
	var id string
	var inbox sql.NullString
	var lastSuccess, mostRecent, startAgain sql.NullTime
	var dormant, banned int
	err := row.Scan(&id, &inst.Domain, &inbox, &inst.VoteWeight, &inst.Failures,
		&lastSuccess, &mostRecent, &startAgain, &dormant, &banned, &inst.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	inst.Id, err = uuid.Parse(id)
	if err != nil {
		return err, nil
	}
	inst.InboxURI = inbox.String
	inst.LastSuccessfulSend = lastSuccess.Time
	inst.MostRecentAttempt = mostRecent.Time
	inst.StartTryingAgain = startAgain.Time
	inst.Dormant = dormant != 0
	inst.Banned = banned != 0
	return nil, &inst
}

func (db *DB) UpdateInstanceHealth(inst *domain.Instance) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateInstanceHealth,
			inst.Failures, inst.LastSuccessfulSend, inst.MostRecentAttempt,
			inst.StartTryingAgain, boolToInt(inst.Dormant), inst.Domain)
		return err
	})
}

func (db *DB) SetInstanceBanned(domainName string, banned bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetInstanceBanned, boolToInt(banned), domainName)
		return err
	})
}

// IsInstanceBanned is the policy lookup consulted before processing
// anything from a remote server.
func (db *DB) IsInstanceBanned(domainName string) bool {
	err, inst := db.ReadInstanceByDomain(domainName)
	if err != nil || inst == nil {
		return false
	}
	return inst.Banned
}

func (db *DB) CreateActivityRecord(rec *domain.ActivityRecord) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			rec.Id.String(), rec.Direction, rec.ActivityURI, rec.ActivityType,
			rec.ActorURI, rec.RawJSON, rec.Result, rec.Message, rec.CreatedAt)
		return err
	})
}

// FinishActivityRecord moves an audit row to its terminal result. Rows are
// never touched again afterwards.
func (db *DB) FinishActivityRecord(id uuid.UUID, result, message string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlFinishActivity, result, message, id.String())
		return err
	})
}

func (db *DB) ReadActivityRecordByURI(uri, direction string) (error, *domain.ActivityRecord) {
	row := db.db.QueryRow(sqlSelectActivityByURI, uri, direction)
	var rec domain.ActivityRecord
	var id string
	var activityURI, actorURI, message sql.NullString
	err := row.Scan(&id, &rec.Direction, &activityURI, &rec.ActivityType, &actorURI,
		&rec.RawJSON, &rec.Result, &message, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	rec.Id, err = uuid.Parse(id)
	if err != nil {
		return err, nil
	}
	rec.ActivityURI = activityURI.String
	rec.ActorURI = actorURI.String
	rec.Message = message.String
	return nil, &rec
}

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDelivery,
			item.Id.String(), item.InstanceDomain, item.InboxURI, item.ActivityJSON,
			item.Attempts, item.NextRetryAt, item.CreatedAt)
		return err
	})
}

func (db *DB) ReadPendingDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, time.Now(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var id string
		if err := rows.Scan(&id, &item.InstanceDomain, &item.InboxURI, &item.ActivityJSON,
			&item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return err, &items
		}
		item.Id, err = uuid.Parse(id)
		if err != nil {
			return err, &items
		}
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return err, &items
	}

	return nil, &items
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

// DeleteDeliveriesForInstance drops everything still queued for a server
// that has gone dormant.
func (db *DB) DeleteDeliveriesForInstance(domainName string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDeliveriesForInstance, domainName)
		return err
	})
}
