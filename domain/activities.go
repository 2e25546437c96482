package domain

import (
	"time"

	"github.com/google/uuid"
)

// Direction of an audited activity.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Terminal results of activity processing.
const (
	ResultProcessing = "processing"
	ResultSuccess    = "success"
	ResultFailure    = "failure"
	ResultIgnored    = "ignored"  // recognized but a no-op (e.g. duplicate)
	ResultFiltered   = "filtered" // dropped by local policy, not an error
)

// ActivityRecord is an append-only audit row. Every inbound POST produces
// exactly one, whatever the outcome; signed outbound protocol sends (Accept,
// Announce) produce one as well.
type ActivityRecord struct {
	Id           uuid.UUID
	Direction    string
	ActivityURI  string // remote-assigned id, may be empty
	ActivityType string
	ActorURI     string
	RawJSON      string
	Result       string
	Message      string // failure detail, empty on success
	CreatedAt    time.Time
}

// DeliveryQueueItem represents one pending outbound send.
type DeliveryQueueItem struct {
	Id             uuid.UUID
	InstanceDomain string
	InboxURI       string
	ActivityJSON   string
	Attempts       int
	NextRetryAt    time.Time
	CreatedAt      time.Time
}
