package db

import (
	"database/sql"

	"github.com/google/uuid"
	"github.com/karluk/avens/domain"
)

const (
	sqlInsertPost = `INSERT INTO posts(id, community_id, author_id, title, url, thumbnail_url, body_html, body_markdown, ap_id, created_at)
						VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlPostColumns = `id, community_id, author_id, title, url, thumbnail_url, body_html, body_markdown, ap_id, created_at`

	sqlSelectPostByAPId = `SELECT ` + sqlPostColumns + ` FROM posts WHERE ap_id = ?`
	sqlSelectPostById   = `SELECT ` + sqlPostColumns + ` FROM posts WHERE id = ?`

	sqlSelectRecentPosts = `SELECT ` + sqlPostColumns + ` FROM posts WHERE community_id = ?
						ORDER BY created_at DESC LIMIT ?`

	sqlInsertReply = `INSERT INTO post_replies(id, post_id, parent_id, author_id, body_html, ap_id, created_at)
						VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqlSelectReplyByAPId = `SELECT id, post_id, parent_id, author_id, body_html, ap_id, created_at
						FROM post_replies WHERE ap_id = ?`

	// A second vote from the same actor on the same target overwrites the
	// first one's effect.
	sqlUpsertVote = `INSERT INTO votes(id, actor_id, target_kind, target_id, effect, ap_id, created_at)
						VALUES (?, ?, ?, ?, ?, ?, ?)
						ON CONFLICT(actor_id, target_kind, target_id)
						DO UPDATE SET effect = excluded.effect, ap_id = excluded.ap_id`

	sqlDeleteVoteByAPId = `DELETE FROM votes WHERE ap_id = ?`

	sqlSelectVote = `SELECT id, actor_id, target_kind, target_id, effect, ap_id, created_at
						FROM votes WHERE actor_id = ? AND target_kind = ? AND target_id = ?`

	sqlInsertMember = `INSERT INTO community_members(id, community_id, actor_id, status, uri, created_at)
						VALUES (?, ?, ?, ?, ?, ?)`

	sqlMemberColumns = `id, community_id, actor_id, status, uri, created_at`

	sqlSelectMember      = `SELECT ` + sqlMemberColumns + ` FROM community_members WHERE community_id = ? AND actor_id = ?`
	sqlSelectMemberByURI = `SELECT ` + sqlMemberColumns + ` FROM community_members WHERE uri = ?`

	sqlUpdateMemberStatus = `UPDATE community_members SET status = ? WHERE id = ?`
	sqlDeleteMemberByURI  = `DELETE FROM community_members WHERE uri = ?`

	sqlCountActiveMembers = `SELECT COUNT(*) FROM community_members
							WHERE community_id = ? AND status IN ('member', 'moderator', 'owner')`

	// One inbox per remote server with at least one active member, for
	// delivery fan-out.
	sqlSelectFollowerInboxes = `SELECT a.domain, MIN(CASE WHEN a.shared_inbox_uri IS NOT NULL AND a.shared_inbox_uri != ''
						THEN a.shared_inbox_uri ELSE a.inbox_uri END)
						FROM community_members m
						INNER JOIN actors a ON a.id = m.actor_id
						WHERE m.community_id = ? AND m.status IN ('member', 'moderator', 'owner') AND a.local = 0
						GROUP BY a.domain`
)

func (db *DB) CreatePost(p *domain.Post) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertPost,
			p.Id.String(), p.CommunityId.String(), p.AuthorId.String(), p.Title, p.URL,
			p.ThumbnailURL, p.BodyHTML, p.BodyMarkdown, p.APId, p.CreatedAt)
		return err
	})
}

func (db *DB) ReadPostByAPId(apId string) (error, *domain.Post) {
	return db.scanPost(db.db.QueryRow(sqlSelectPostByAPId, apId))
}

func (db *DB) ReadPostById(id uuid.UUID) (error, *domain.Post) {
	return db.scanPost(db.db.QueryRow(sqlSelectPostById, id.String()))
}

func (db *DB) ReadRecentPostsByCommunity(communityId uuid.UUID, limit int) (error, *[]domain.Post) {
	rows, err := db.db.Query(sqlSelectRecentPosts, communityId.String(), limit)
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var posts []domain.Post
	for rows.Next() {
		err, p := db.scanPostRows(rows)
		if err != nil {
			return err, &posts
		}
		posts = append(posts, *p)
	}
	if err = rows.Err(); err != nil {
		return err, &posts
	}

	return nil, &posts
}

func (db *DB) CreatePostReply(r *domain.PostReply) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		var parent interface{}
		if r.ParentId != nil {
			parent = r.ParentId.String()
		}
		_, err := tx.Exec(sqlInsertReply,
			r.Id.String(), r.PostId.String(), parent, r.AuthorId.String(), r.BodyHTML, r.APId, r.CreatedAt)
		return err
	})
}

func (db *DB) ReadPostReplyByAPId(apId string) (error, *domain.PostReply) {
	row := db.db.QueryRow(sqlSelectReplyByAPId, apId)
	var r domain.PostReply
	var id, postId, authorId string
	var parentId, replyAPId sql.NullString
	err := row.Scan(&id, &postId, &parentId, &authorId, &r.BodyHTML, &replyAPId, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	if r.Id, err = uuid.Parse(id); err != nil {
		return err, nil
	}
	if r.PostId, err = uuid.Parse(postId); err != nil {
		return err, nil
	}
	if r.AuthorId, err = uuid.Parse(authorId); err != nil {
		return err, nil
	}
	if parentId.Valid {
		parsed, err := uuid.Parse(parentId.String)
		if err != nil {
			return err, nil
		}
		r.ParentId = &parsed
	}
	r.APId = replyAPId.String
	return nil, &r
}

func (db *DB) UpsertVote(v *domain.Vote) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertVote,
			v.Id.String(), v.ActorId.String(), v.TargetKind, v.TargetId.String(), v.Effect, v.APId, v.CreatedAt)
		return err
	})
}

func (db *DB) ReadVote(actorId uuid.UUID, targetKind string, targetId uuid.UUID) (error, *domain.Vote) {
	row := db.db.QueryRow(sqlSelectVote, actorId.String(), targetKind, targetId.String())
	var v domain.Vote
	var id, actor, target string
	var apId sql.NullString
	err := row.Scan(&id, &actor, &v.TargetKind, &target, &v.Effect, &apId, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	if v.Id, err = uuid.Parse(id); err != nil {
		return err, nil
	}
	if v.ActorId, err = uuid.Parse(actor); err != nil {
		return err, nil
	}
	if v.TargetId, err = uuid.Parse(target); err != nil {
		return err, nil
	}
	v.APId = apId.String
	return nil, &v
}

func (db *DB) DeleteVoteByAPId(apId string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteVoteByAPId, apId)
		return err
	})
}

func (db *DB) CreateMember(m *domain.CommunityMember) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertMember,
			m.Id.String(), m.CommunityId.String(), m.ActorId.String(), m.Status, m.URI, m.CreatedAt)
		return err
	})
}

func (db *DB) ReadMember(communityId, actorId uuid.UUID) (error, *domain.CommunityMember) {
	return db.scanMember(db.db.QueryRow(sqlSelectMember, communityId.String(), actorId.String()))
}

func (db *DB) ReadMemberByURI(uri string) (error, *domain.CommunityMember) {
	return db.scanMember(db.db.QueryRow(sqlSelectMemberByURI, uri))
}

func (db *DB) UpdateMemberStatus(id uuid.UUID, status string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateMemberStatus, status, id.String())
		return err
	})
}

func (db *DB) DeleteMemberByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteMemberByURI, uri)
		return err
	})
}

func (db *DB) CountActiveMembers(communityId uuid.UUID) (error, int) {
	var count int
	err := db.db.QueryRow(sqlCountActiveMembers, communityId.String()).Scan(&count)
	if err != nil {
		return err, 0
	}
	return nil, count
}

// FollowerInbox is one remote server's delivery target for a community.
type FollowerInbox struct {
	Domain   string
	InboxURI string
}

func (db *DB) ReadFollowerInboxes(communityId uuid.UUID) (error, *[]FollowerInbox) {
	rows, err := db.db.Query(sqlSelectFollowerInboxes, communityId.String())
	if err != nil {
		return err, nil
	}
	defer rows.Close()

	var inboxes []FollowerInbox
	for rows.Next() {
		var fi FollowerInbox
		if err := rows.Scan(&fi.Domain, &fi.InboxURI); err != nil {
			return err, &inboxes
		}
		inboxes = append(inboxes, fi)
	}
	if err = rows.Err(); err != nil {
		return err, &inboxes
	}

	return nil, &inboxes
}

func (db *DB) scanPost(row *sql.Row) (error, *domain.Post) {
	var p domain.Post
	var id, communityId, authorId string
	var url, thumb, bodyHTML, bodyMd, apId sql.NullString
	err := row.Scan(&id, &communityId, &authorId, &p.Title, &url, &thumb, &bodyHTML, &bodyMd, &apId, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	if p.Id, err = uuid.Parse(id); err != nil {
		return err, nil
	}
	if p.CommunityId, err = uuid.Parse(communityId); err != nil {
		return err, nil
	}
	if p.AuthorId, err = uuid.Parse(authorId); err != nil {
		return err, nil
	}
	p.URL = url.String
	p.ThumbnailURL = thumb.String
	p.BodyHTML = bodyHTML.String
	p.BodyMarkdown = bodyMd.String
	p.APId = apId.String
	return nil, &p
}

func (db *DB) scanPostRows(rows *sql.Rows) (error, *domain.Post) {
	var p domain.Post
	var id, communityId, authorId string
	var url, thumb, bodyHTML, bodyMd, apId sql.NullString
	err := rows.Scan(&id, &communityId, &authorId, &p.Title, &url, &thumb, &bodyHTML, &bodyMd, &apId, &p.CreatedAt)
	if err != nil {
		return err, nil
	}
	if p.Id, err = uuid.Parse(id); err != nil {
		return err, nil
	}
	if p.CommunityId, err = uuid.Parse(communityId); err != nil {
		return err, nil
	}
	if p.AuthorId, err = uuid.Parse(authorId); err != nil {
		return err, nil
	}
	p.URL = url.String
	p.ThumbnailURL = thumb.String
	p.BodyHTML = bodyHTML.String
	p.BodyMarkdown = bodyMd.String
	p.APId = apId.String
	return nil, &p
}

func (db *DB) scanMember(row *sql.Row) (error, *domain.CommunityMember) {
	var m domain.CommunityMember
	var id, communityId, actorId string
	var uri sql.NullString
	err := row.Scan(&id, &communityId, &actorId, &m.Status, &uri, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return err, nil
	}
	if err != nil {
		return err, nil
	}
	if m.Id, err = uuid.Parse(id); err != nil {
		return err, nil
	}
	if m.CommunityId, err = uuid.Parse(communityId); err != nil {
		return err, nil
	}
	if m.ActorId, err = uuid.Parse(actorId); err != nil {
		return err, nil
	}
	m.URI = uri.String
	return nil, &m
}
