package activitypub

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
)

func newDispatcher(store *db.DB, conf *util.AppConfig) *Dispatcher {
	resolver := NewResolver(store, conf)
	deliverer := NewDeliverer(store, conf)
	return NewDispatcher(store, conf, resolver, deliverer)
}

// signedInbound builds an inbox POST signed with the given key
func signedInbound(t *testing.T, activity map[string]interface{}, privatePem string) ([]byte, *http.Request) {
	t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}

	req, err := http.NewRequest("POST", "https://local.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	key, err := ParsePrivateKey(privatePem)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}
	if err := SignRequest(req, body, key, "test#main-key"); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}
	return body, req
}

// acceptSink collects activities POSTed back to a remote inbox
func acceptSink(t *testing.T) (*httptest.Server, *[]map[string]interface{}) {
	t.Helper()
	var received []map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var activity map[string]interface{}
		json.Unmarshal(body, &activity)
		received = append(received, activity)
		w.WriteHeader(200)
	}))
	t.Cleanup(server.Close)
	return server, &received
}

func followActivity(follower, community *domain.Actor) map[string]interface{} {
	return map[string]interface{}{
		"id":     "https://remote.example/activities/follow-" + uuid.New().String(),
		"type":   "Follow",
		"actor":  follower.ActorURI,
		"object": community.ActorURI,
	}
}

func announceCreate(community *domain.Actor, object map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"id":    "https://lemmy.example/activities/announce-" + uuid.New().String(),
		"type":  "Announce",
		"actor": community.ActorURI,
		"object": map[string]interface{}{
			"id":     "https://lemmy.example/activities/create-" + uuid.New().String(),
			"type":   "Create",
			"actor":  object["attributedTo"],
			"object": object,
		},
	}
}

func TestHandleInboundFollow(t *testing.T) {
	store := setupStore(t)
	conf := testConf()
	d := newDispatcher(store, conf)

	community := createLocalActor(t, store, "news", domain.KindGroup)
	follower, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)

	sink, received := acceptSink(t)
	follower.SharedInboxURI = sink.URL
	if err := store.UpdateActor(follower); err != nil {
		t.Fatalf("UpdateActor failed: %v", err)
	}

	follow := followActivity(follower, community)
	body, req := signedInbound(t, follow, key)

	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, member := store.ReadMember(community.Id, follower.Id)
	if err != nil || member == nil {
		t.Fatal("No membership created")
	}
	if !member.IsActive() {
		t.Errorf("Membership status = %s, want active", member.Status)
	}

	if len(*received) != 1 || (*received)[0]["type"] != "Accept" {
		t.Fatalf("Expected one Accept back to the follower, got %v", *received)
	}

	// The audit trail has the inbound Follow and the outbound Accept
	err, audit := store.ReadActivityRecordByURI(follow["id"].(string), domain.DirectionIn)
	if err != nil || audit == nil || audit.Result != domain.ResultSuccess {
		t.Error("Inbound Follow not audited as success")
	}
}

func TestHandleInboundFollowDuplicate(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community := createLocalActor(t, store, "news", domain.KindGroup)
	follower, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)

	sink, received := acceptSink(t)
	follower.SharedInboxURI = sink.URL
	store.UpdateActor(follower)

	body, req := signedInbound(t, followActivity(follower, community), key)
	if rec := d.HandleInbound(body, req); rec.Result != domain.ResultSuccess {
		t.Fatalf("First follow failed: %s", rec.Message)
	}

	body, req = signedInbound(t, followActivity(follower, community), key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultIgnored {
		t.Errorf("Second follow result = %s, want ignored", rec.Result)
	}
	if len(*received) != 1 {
		t.Errorf("Duplicate follow triggered another Accept")
	}
}

func TestHandleInboundFollowBannedMember(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community := createLocalActor(t, store, "news", domain.KindGroup)
	follower, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)

	sink, received := acceptSink(t)
	follower.SharedInboxURI = sink.URL
	store.UpdateActor(follower)

	store.CreateMember(&domain.CommunityMember{
		Id:          uuid.New(),
		CommunityId: community.Id,
		ActorId:     follower.Id,
		Status:      domain.StatusBanned,
		URI:         "https://remote.example/activities/old-follow",
		CreatedAt:   time.Now(),
	})

	body, req := signedInbound(t, followActivity(follower, community), key)
	rec := d.HandleInbound(body, req)

	if rec.Result != domain.ResultFailure {
		t.Errorf("Result = %s, want failure", rec.Result)
	}
	if len(*received) != 0 {
		t.Error("Banned follower received an Accept")
	}
	err, member := store.ReadMember(community.Id, follower.Id)
	if err != nil || member == nil || member.Status != domain.StatusBanned {
		t.Error("Ban was disturbed by the rejected follow")
	}
}

func TestHandleInboundFollowNonCommunity(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	localUser := createLocalActor(t, store, "bob", domain.KindPerson)
	follower, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)

	body, req := signedInbound(t, followActivity(follower, localUser), key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultFailure {
		t.Errorf("Following a user should fail at this inbox, got %s", rec.Result)
	}
}

func TestHandleInboundBadSignature(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community := createLocalActor(t, store, "news", domain.KindGroup)
	follower, _ := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)
	otherKey, _, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair failed: %v", err)
	}

	body, req := signedInbound(t, followActivity(follower, community), otherKey)
	rec := d.HandleInbound(body, req)

	if rec.Result != domain.ResultFailure || rec.Message != "signature invalid" {
		t.Errorf("Result = %s (%s), want signature failure", rec.Result, rec.Message)
	}
	err, member := store.ReadMember(community.Id, follower.Id)
	if err == nil || member != nil {
		t.Error("Forged follow created a membership")
	}
}

func TestHandleInboundBannedInstance(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community := createLocalActor(t, store, "news", domain.KindGroup)
	follower, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)
	store.SetInstanceBanned("remote.example", true)

	body, req := signedInbound(t, followActivity(follower, community), key)
	rec := d.HandleInbound(body, req)

	if rec.Result != domain.ResultFailure || rec.Message != "instance banned" {
		t.Errorf("Result = %s (%s), want instance banned failure", rec.Result, rec.Message)
	}
}

func TestHandleInboundUnparseableBody(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	req, _ := http.NewRequest("POST", "https://local.example/inbox", bytes.NewReader([]byte("{broken")))
	rec := d.HandleInbound([]byte("{broken"), req)

	if rec.Result != domain.ResultFailure {
		t.Errorf("Result = %s, want failure", rec.Result)
	}
	if rec.ActivityType != "unknown" {
		t.Errorf("ActivityType = %s, want unknown", rec.ActivityType)
	}
}

func TestHandleInboundUnsupportedType(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	sender, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)

	body, req := signedInbound(t, map[string]interface{}{
		"id":    "https://remote.example/activities/move-1",
		"type":  "Move",
		"actor": sender.ActorURI,
	}, key)
	rec := d.HandleInbound(body, req)

	if rec.Result != domain.ResultFailure {
		t.Errorf("Result = %s, want failure", rec.Result)
	}
	if rec.Message == "" {
		t.Error("Unsupported type recorded without a message")
	}
}

func TestHandleInboundAnnouncedPost(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	author, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	postId := "https://other.example/post/1"
	announce := announceCreate(community, map[string]interface{}{
		"id":           postId,
		"type":         "Page",
		"name":         "A fine link",
		"attributedTo": author.ActorURI,
		"url":          "https://example.com/article",
		"content":      "<p>look at this</p><script>alert(1)</script>",
	})

	body, req := signedInbound(t, announce, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, post := store.ReadPostByAPId(postId)
	if err != nil || post == nil {
		t.Fatal("Post not stored")
	}
	if post.Title != "A fine link" || post.URL != "https://example.com/article" {
		t.Errorf("Unexpected post: %+v", post)
	}
	if post.CommunityId != community.Id || post.AuthorId != author.Id {
		t.Error("Post attributed to the wrong actors")
	}
	if bytes.Contains([]byte(post.BodyHTML), []byte("<script>")) {
		t.Error("Stored body was not sanitized")
	}

	err, got := store.ReadActorById(community.Id)
	if err != nil || got.PostCount != 1 {
		t.Errorf("Community post count not incremented")
	}
}

func TestHandleInboundAnnouncedPostDuplicate(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	author, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	object := map[string]interface{}{
		"id":           "https://other.example/post/1",
		"type":         "Page",
		"name":         "A fine link",
		"attributedTo": author.ActorURI,
	}

	body, req := signedInbound(t, announceCreate(community, object), key)
	if rec := d.HandleInbound(body, req); rec.Result != domain.ResultSuccess {
		t.Fatalf("First announce failed: %s", rec.Message)
	}

	body, req = signedInbound(t, announceCreate(community, object), key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultIgnored {
		t.Errorf("Duplicate result = %s, want ignored", rec.Result)
	}

	err, got := store.ReadActorById(community.Id)
	if err != nil || got.PostCount != 1 {
		t.Error("Duplicate announce bumped the post count")
	}
}

func TestHandleInboundAnnouncedReply(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	author, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	parent := &domain.Post{
		Id:          uuid.New(),
		CommunityId: community.Id,
		AuthorId:    author.Id,
		Title:       "Parent",
		APId:        "https://other.example/post/1",
		CreatedAt:   time.Now(),
	}
	if err := store.CreatePost(parent); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	replyId := "https://other.example/comment/1"
	announce := announceCreate(community, map[string]interface{}{
		"id":           replyId,
		"type":         "Note",
		"attributedTo": author.ActorURI,
		"inReplyTo":    parent.APId,
		"content":      "<p>good point</p>",
	})

	body, req := signedInbound(t, announce, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, reply := store.ReadPostReplyByAPId(replyId)
	if err != nil || reply == nil {
		t.Fatal("Reply not stored")
	}
	if reply.PostId != parent.Id || reply.ParentId != nil {
		t.Error("Reply not threaded under the post root")
	}
}

func TestHandleInboundReplyToUnknownParent(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	author, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	replyId := "https://other.example/comment/orphan"
	announce := announceCreate(community, map[string]interface{}{
		"id":           replyId,
		"type":         "Note",
		"attributedTo": author.ActorURI,
		"inReplyTo":    "https://other.example/post/never-seen",
		"content":      "<p>into the void</p>",
	})

	body, req := signedInbound(t, announce, key)
	rec := d.HandleInbound(body, req)

	if rec.Result != domain.ResultFailure {
		t.Errorf("Result = %s, want failure", rec.Result)
	}
	err, reply := store.ReadPostReplyByAPId(replyId)
	if err == nil || reply != nil {
		t.Error("Orphan reply was stored anyway")
	}
}

func TestHandleInboundAnnouncedPostBlockedAuthorDomain(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	author, _ := createRemoteActor(t, store, "troll", "blocked.example", domain.KindPerson)
	store.SetInstanceBanned("blocked.example", true)

	postId := "https://blocked.example/post/1"
	announce := announceCreate(community, map[string]interface{}{
		"id":           postId,
		"type":         "Page",
		"name":         "spam",
		"attributedTo": author.ActorURI,
	})

	body, req := signedInbound(t, announce, key)
	rec := d.HandleInbound(body, req)

	if rec.Result != domain.ResultFailure || rec.Message != "domain blocked" {
		t.Errorf("Result = %s (%s), want domain blocked failure", rec.Result, rec.Message)
	}
	err, post := store.ReadPostByAPId(postId)
	if err == nil || post != nil {
		t.Error("Post from blocked domain was stored")
	}
}

func TestHandleInboundAnnouncedUnsupportedObject(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	author, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	announce := announceCreate(community, map[string]interface{}{
		"id":           "https://other.example/video/1",
		"type":         "Video",
		"attributedTo": author.ActorURI,
	})

	body, req := signedInbound(t, announce, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultFailure {
		t.Errorf("Result = %s, want failure for unsupported object", rec.Result)
	}
}

func voteActivity(community *domain.Actor, voterURI, voteType, targetURI string) map[string]interface{} {
	return map[string]interface{}{
		"id":    "https://lemmy.example/activities/announce-" + uuid.New().String(),
		"type":  "Announce",
		"actor": community.ActorURI,
		"object": map[string]interface{}{
			"id":     "https://other.example/activities/" + voteType + "-" + uuid.New().String(),
			"type":   voteType,
			"actor":  voterURI,
			"object": targetURI,
		},
	}
}

func TestHandleInboundAnnouncedVotes(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	voter, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	post := &domain.Post{
		Id:          uuid.New(),
		CommunityId: community.Id,
		AuthorId:    voter.Id,
		Title:       "Parent",
		APId:        "https://other.example/post/1",
		CreatedAt:   time.Now(),
	}
	store.CreatePost(post)

	body, req := signedInbound(t, voteActivity(community, voter.ActorURI, "Like", post.APId), key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Like result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, vote := store.ReadVote(voter.Id, domain.TargetPost, post.Id)
	if err != nil || vote == nil {
		t.Fatal("Vote not stored")
	}
	if vote.Effect != 1.0 {
		t.Errorf("Effect = %f, want 1.0", vote.Effect)
	}

	// A dislike from the same voter flips the same row
	body, req = signedInbound(t, voteActivity(community, voter.ActorURI, "Dislike", post.APId), key)
	rec = d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Dislike result = %s (%s), want success", rec.Result, rec.Message)
	}
	err, vote = store.ReadVote(voter.Id, domain.TargetPost, post.Id)
	if err != nil || vote.Effect != -1.0 {
		t.Errorf("Effect after dislike = %f, want -1.0", vote.Effect)
	}
}

func TestHandleInboundDislikesDisabled(t *testing.T) {
	store := setupStore(t)
	conf := testConf()
	conf.Conf.AllowDislikes = false
	d := newDispatcher(store, conf)

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	voter, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	post := &domain.Post{
		Id:          uuid.New(),
		CommunityId: community.Id,
		AuthorId:    voter.Id,
		Title:       "Parent",
		APId:        "https://other.example/post/1",
		CreatedAt:   time.Now(),
	}
	store.CreatePost(post)

	body, req := signedInbound(t, voteActivity(community, voter.ActorURI, "Dislike", post.APId), key)
	rec := d.HandleInbound(body, req)

	if rec.Result != domain.ResultFiltered {
		t.Errorf("Result = %s, want filtered", rec.Result)
	}
	err, vote := store.ReadVote(voter.Id, domain.TargetPost, post.Id)
	if err == nil || vote != nil {
		t.Error("Filtered dislike was stored")
	}
}

func TestHandleInboundVoteUnknownTarget(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	voter, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	body, req := signedInbound(t, voteActivity(community, voter.ActorURI, "Like", "https://other.example/post/never-seen"), key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultFailure {
		t.Errorf("Result = %s, want failure for unknown target", rec.Result)
	}
}

func TestHandleInboundUndoFollow(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community := createLocalActor(t, store, "news", domain.KindGroup)
	follower, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)

	followURI := "https://remote.example/activities/follow-1"
	store.CreateMember(&domain.CommunityMember{
		Id:          uuid.New(),
		CommunityId: community.Id,
		ActorId:     follower.Id,
		Status:      domain.StatusMember,
		URI:         followURI,
		CreatedAt:   time.Now(),
	})

	undo := map[string]interface{}{
		"id":    "https://remote.example/activities/undo-1",
		"type":  "Undo",
		"actor": follower.ActorURI,
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  follower.ActorURI,
			"object": community.ActorURI,
		},
	}

	body, req := signedInbound(t, undo, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, member := store.ReadMemberByURI(followURI)
	if err == nil || member != nil {
		t.Error("Membership survived the undo")
	}
}

func TestHandleInboundUndoVote(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	voter, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)

	likeURI := "https://remote.example/activities/like-1"
	postId := uuid.New()
	store.UpsertVote(&domain.Vote{
		Id:         uuid.New(),
		ActorId:    voter.Id,
		TargetKind: domain.TargetPost,
		TargetId:   postId,
		Effect:     1.0,
		APId:       likeURI,
		CreatedAt:  time.Now(),
	})

	undo := map[string]interface{}{
		"id":    "https://remote.example/activities/undo-2",
		"type":  "Undo",
		"actor": voter.ActorURI,
		"object": map[string]interface{}{
			"id":   likeURI,
			"type": "Like",
		},
	}

	body, req := signedInbound(t, undo, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, vote := store.ReadVote(voter.Id, domain.TargetPost, postId)
	if err == nil || vote != nil {
		t.Error("Vote survived the undo")
	}
}

func TestHandleInboundAcceptActivatesPendingJoin(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	localUser := createLocalActor(t, store, "bob", domain.KindPerson)
	remoteCommunity, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)

	followURI := "https://local.example/activities/follow-out-1"
	store.CreateMember(&domain.CommunityMember{
		Id:          uuid.New(),
		CommunityId: remoteCommunity.Id,
		ActorId:     localUser.Id,
		Status:      domain.StatusPending,
		URI:         followURI,
		CreatedAt:   time.Now(),
	})

	accept := map[string]interface{}{
		"id":    "https://lemmy.example/activities/accept-1",
		"type":  "Accept",
		"actor": remoteCommunity.ActorURI,
		"object": map[string]interface{}{
			"id":   followURI,
			"type": "Follow",
		},
	}

	body, req := signedInbound(t, accept, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, member := store.ReadMemberByURI(followURI)
	if err != nil || member == nil || member.Status != domain.StatusMember {
		t.Error("Pending join not activated")
	}
}

func TestHandleInboundAcceptWithoutRequest(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	remoteCommunity, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)

	accept := map[string]interface{}{
		"id":     "https://lemmy.example/activities/accept-2",
		"type":   "Accept",
		"actor":  remoteCommunity.ActorURI,
		"object": "https://local.example/activities/follow-that-never-was",
	}

	body, req := signedInbound(t, accept, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultIgnored {
		t.Errorf("Result = %s, want ignored", rec.Result)
	}
}

func TestHandleInboundDirectCreate(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community := createLocalActor(t, store, "news", domain.KindGroup)
	author, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)

	store.CreateMember(&domain.CommunityMember{
		Id:          uuid.New(),
		CommunityId: community.Id,
		ActorId:     author.Id,
		Status:      domain.StatusMember,
		URI:         "https://remote.example/activities/follow-1",
		CreatedAt:   time.Now(),
	})

	postId := "https://remote.example/post/1"
	create := map[string]interface{}{
		"id":       "https://remote.example/activities/create-1",
		"type":     "Create",
		"actor":    author.ActorURI,
		"audience": community.ActorURI,
		"object": map[string]interface{}{
			"id":           postId,
			"type":         "Page",
			"name":         "Fresh local post",
			"attributedTo": author.ActorURI,
			"content":      "<p>hello</p>",
		},
	}

	body, req := signedInbound(t, create, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, post := store.ReadPostByAPId(postId)
	if err != nil || post == nil {
		t.Fatal("Post not stored")
	}

	// The local community re-broadcasts the Create to its followers
	err, pending := store.ReadPendingDeliveries(10)
	if err != nil {
		t.Fatalf("ReadPendingDeliveries failed: %v", err)
	}
	if len(*pending) != 1 {
		t.Fatalf("Expected 1 queued announce, got %d", len(*pending))
	}
	var announce map[string]interface{}
	json.Unmarshal([]byte((*pending)[0].ActivityJSON), &announce)
	if announce["type"] != "Announce" || announce["actor"] != community.ActorURI {
		t.Errorf("Unexpected queued activity: %v", announce)
	}
}

func TestHandleInboundDirectCreateNonMember(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community := createLocalActor(t, store, "news", domain.KindGroup)
	author, key := createRemoteActor(t, store, "alice", "remote.example", domain.KindPerson)

	create := map[string]interface{}{
		"id":       "https://remote.example/activities/create-2",
		"type":     "Create",
		"actor":    author.ActorURI,
		"audience": community.ActorURI,
		"object": map[string]interface{}{
			"id":           "https://remote.example/post/2",
			"type":         "Page",
			"name":         "Sneaky post",
			"attributedTo": author.ActorURI,
		},
	}

	body, req := signedInbound(t, create, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultFailure {
		t.Errorf("Result = %s, want failure for non-member", rec.Result)
	}
}

func TestHandleInboundNoteDerivedTitle(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	author, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	postId := "https://other.example/note/1"
	announce := announceCreate(community, map[string]interface{}{
		"id":           postId,
		"type":         "Note",
		"attributedTo": author.ActorURI,
		"content":      "<p>a note without a title, markdown-less and plain</p>",
	})

	body, req := signedInbound(t, announce, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, post := store.ReadPostByAPId(postId)
	if err != nil || post == nil {
		t.Fatal("Post not stored")
	}
	if post.Title == "" {
		t.Error("No title derived from note content")
	}
}

func TestDeriveTitleTruncatesOnRuneBoundary(t *testing.T) {
	// 80 two-byte runes put the boundary cut in the middle of a rune
	long := strings.Repeat("ü", 80)

	title := deriveTitle(long)

	if !utf8.ValidString(title) {
		t.Errorf("Truncated title is not valid UTF-8: %q", title)
	}
	if !strings.HasSuffix(title, "...") {
		t.Errorf("Truncated title missing ellipsis: %q", title)
	}
	if len(title) > maxDerivedTitleLen {
		t.Errorf("Title length = %d, want at most %d", len(title), maxDerivedTitleLen)
	}
}

func TestDeriveTitleShortAndEmpty(t *testing.T) {
	if got := deriveTitle("<p>short note</p>"); got != "short note" {
		t.Errorf("deriveTitle = %q, want %q", got, "short note")
	}
	if got := deriveTitle("<p>  </p>"); got != "(untitled)" {
		t.Errorf("deriveTitle = %q, want (untitled)", got)
	}
}

func TestHandleInboundMarkdownSource(t *testing.T) {
	store := setupStore(t)
	d := newDispatcher(store, testConf())

	community, key := createRemoteActor(t, store, "memes", "lemmy.example", domain.KindGroup)
	author, _ := createRemoteActor(t, store, "alice", "other.example", domain.KindPerson)

	postId := "https://other.example/post/md"
	announce := announceCreate(community, map[string]interface{}{
		"id":           postId,
		"type":         "Page",
		"name":         "Markdown post",
		"attributedTo": author.ActorURI,
		"content":      "<p>pre-rendered</p>",
		"source": map[string]interface{}{
			"content":   "some **bold** text",
			"mediaType": "text/markdown",
		},
	})

	body, req := signedInbound(t, announce, key)
	rec := d.HandleInbound(body, req)
	if rec.Result != domain.ResultSuccess {
		t.Fatalf("Result = %s (%s), want success", rec.Result, rec.Message)
	}

	err, post := store.ReadPostByAPId(postId)
	if err != nil || post == nil {
		t.Fatal("Post not stored")
	}
	if post.BodyMarkdown != "some **bold** text" {
		t.Errorf("Markdown source not kept: %q", post.BodyMarkdown)
	}
	if !bytes.Contains([]byte(post.BodyHTML), []byte("<strong>bold</strong>")) {
		t.Errorf("Markdown not rendered: %q", post.BodyHTML)
	}
}
