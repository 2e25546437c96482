package domain

import (
	"time"

	"github.com/google/uuid"
)

// Post is a top-level submission in a community.
type Post struct {
	Id           uuid.UUID
	CommunityId  uuid.UUID
	AuthorId     uuid.UUID
	Title        string
	URL          string // link posts
	ThumbnailURL string
	BodyHTML     string
	BodyMarkdown string
	APId         string // remote object id, empty for local posts
	CreatedAt    time.Time
}

// PostReply is a threaded comment under a post. ParentId is nil for
// top-level replies; PostId always points at the thread root.
type PostReply struct {
	Id        uuid.UUID
	PostId    uuid.UUID
	ParentId  *uuid.UUID
	AuthorId  uuid.UUID
	BodyHTML  string
	APId      string
	CreatedAt time.Time
}

// Vote target kinds.
const (
	TargetPost  = "post"
	TargetReply = "reply"
)

// Vote is one actor's vote on a post or reply. At most one row exists per
// (actor, target); a later vote from the same actor overwrites Effect.
type Vote struct {
	Id         uuid.UUID
	ActorId    uuid.UUID
	TargetKind string
	TargetId   uuid.UUID
	Effect     float64 // +-1 scaled by the sending instance's vote weight
	APId       string
	CreatedAt  time.Time
}
