package domain

import (
	"time"

	"github.com/google/uuid"
)

// Membership states of an actor in a community.
const (
	StatusPending   = "pending"
	StatusMember    = "member"
	StatusModerator = "moderator"
	StatusOwner     = "owner"
	StatusBanned    = "banned"
)

// CommunityMember is one (actor, community) membership row. Absence of a
// row means non-member.
type CommunityMember struct {
	Id          uuid.UUID
	CommunityId uuid.UUID
	ActorId     uuid.UUID
	Status      string
	URI         string // Follow activity URI that created the membership
	CreatedAt   time.Time
}

// IsActive reports whether the membership grants access to the community.
func (m *CommunityMember) IsActive() bool {
	switch m.Status {
	case StatusMember, StatusModerator, StatusOwner:
		return true
	}
	return false
}
