package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActorKind distinguishes users from communities. Both send and receive
// activities, both can own a keypair, only groups have followers that
// deliveries fan out to.
type ActorKind string

const (
	KindPerson ActorKind = "Person"
	KindGroup  ActorKind = "Group"
)

// Actor represents a user or community, local or remote. Local actors
// always carry a private key, remote actors never do.
type Actor struct {
	Id              uuid.UUID
	Kind            ActorKind
	Username        string
	Domain          string
	ActorURI        string // canonical profile URL
	InboxURI        string
	SharedInboxURI  string
	DisplayName     string
	Summary         string
	PublicKeyPem    string
	PrivateKeyPem   string // empty for remote actors
	Local           bool
	Banned          bool
	Title           string // groups only
	PostCount       int    // groups only
	LastRefreshedAt time.Time
	CreatedAt       time.Time
}

// Handle returns the name@domain form of the actor.
func (a *Actor) Handle() string {
	return fmt.Sprintf("%s@%s", a.Username, a.Domain)
}

// DeliveryInbox prefers the shared inbox when the remote server offers one.
func (a *Actor) DeliveryInbox() string {
	if a.SharedInboxURI != "" {
		return a.SharedInboxURI
	}
	return a.InboxURI
}
