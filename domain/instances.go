package domain

import (
	"time"

	"github.com/google/uuid"
)

// DormantAfterFailures is the number of consecutive delivery failures a
// remote server may accumulate before it stops receiving sends.
const DormantAfterFailures = 2

// Instance tracks delivery health for one remote server. Rows are created
// on first contact and never deleted, only marked dormant or banned.
type Instance struct {
	Id                 uuid.UUID
	Domain             string
	InboxURI           string // shared inbox
	VoteWeight         float64
	Failures           int
	LastSuccessfulSend time.Time
	MostRecentAttempt  time.Time
	StartTryingAgain   time.Time
	Dormant            bool
	Banned             bool
	CreatedAt          time.Time
}

// NextRetry returns the earliest moment delivery should be attempted again
// after the given number of consecutive failures. The failures^4 curve
// de-prioritizes a dead peer quickly: 1s, 16s, 81s, 256s, ...
func NextRetry(failures int, now time.Time) time.Time {
	n := failures * failures * failures * failures
	return now.Add(time.Duration(n) * time.Second)
}

// RecordFailure applies one failed delivery attempt to the health counters.
func (i *Instance) RecordFailure(now time.Time) {
	i.Failures++
	i.MostRecentAttempt = now
	i.StartTryingAgain = NextRetry(i.Failures, now)
	if i.Failures > DormantAfterFailures {
		i.Dormant = true
	}
}

// RecordSuccess resets the health counters after a successful delivery.
func (i *Instance) RecordSuccess(now time.Time) {
	i.Failures = 0
	i.Dormant = false
	i.LastSuccessfulSend = now
	i.MostRecentAttempt = now
}

// Sendable reports whether deliveries to this instance should be attempted
// at all right now.
func (i *Instance) Sendable(now time.Time) bool {
	if i.Banned || i.Dormant {
		return false
	}
	return !now.Before(i.StartTryingAgain)
}
