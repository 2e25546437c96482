package activitypub

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
)

// Activity is the generic envelope every inbound document is first parsed
// into. Object stays raw; each handler re-parses it into the shape it
// expects, the same way unknown fields are simply ignored.
type Activity struct {
	Context  interface{}     `json:"@context"`
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Actor    string          `json:"actor"`
	Object   json.RawMessage `json:"object"`
	Audience string          `json:"audience"`
	To       interface{}     `json:"to"`
	Cc       interface{}     `json:"cc"`
}

// noteObject is the content object carried inside Create activities.
type noteObject struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	AttributedTo interface{}     `json:"attributedTo"`
	Name         string          `json:"name"`
	Content      string          `json:"content"`
	Source       struct {
		Content   string `json:"content"`
		MediaType string `json:"mediaType"`
	} `json:"source"`
	InReplyTo string          `json:"inReplyTo"`
	URL       json.RawMessage `json:"url"`
	Image     struct {
		URL string `json:"url"`
	} `json:"image"`
	Attachment []struct {
		Type      string `json:"type"`
		Href      string `json:"href"`
		URL       string `json:"url"`
		MediaType string `json:"mediaType"`
	} `json:"attachment"`
	Published string `json:"published"`
}

// Dispatcher is the inbound protocol state machine: it authenticates an
// activity, classifies it into a closed set of variants and applies the
// matching local mutation. Every outcome, good or bad, ends up in exactly
// one audit record; nothing ever propagates past HandleInbound as an error.
type Dispatcher struct {
	store     *db.DB
	conf      *util.AppConfig
	resolver  *Resolver
	deliverer *Deliverer
}

func NewDispatcher(store *db.DB, conf *util.AppConfig, resolver *Resolver, deliverer *Deliverer) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		conf:      conf,
		resolver:  resolver,
		deliverer: deliverer,
	}
	// Community backfill replays historical activities through the same
	// Create path inbound processing uses.
	resolver.Backfill = d.backfillActivity
	return d
}

// HandleInbound processes one inbound activity POST. The returned record
// always carries a terminal result; the HTTP layer acknowledges with 200
// regardless, so resending a failed activity is always safe for the peer.
func (d *Dispatcher) HandleInbound(body []byte, req *http.Request) *domain.ActivityRecord {
	rec := &domain.ActivityRecord{
		Id:        uuid.New(),
		Direction: domain.DirectionIn,
		RawJSON:   string(body),
		Result:    domain.ResultProcessing,
		CreatedAt: time.Now(),
	}

	var act Activity
	if err := json.Unmarshal(body, &act); err != nil {
		rec.ActivityType = "unknown"
		return d.record(rec, domain.ResultFailure, "cannot parse body")
	}

	rec.ActivityURI = act.ID
	rec.ActivityType = act.Type
	rec.ActorURI = act.Actor

	if act.Actor == "" {
		return d.record(rec, domain.ResultFailure, "actor not found")
	}

	sender, err := d.resolver.Resolve(act.Actor)
	if err != nil {
		return d.record(rec, domain.ResultFailure, "actor not found")
	}

	publicKey, err := ParsePublicKey(sender.PublicKeyPem)
	if err != nil {
		return d.record(rec, domain.ResultFailure, "signature invalid")
	}
	// Federated clocks drift, so the replay window is skipped here.
	if err := VerifyRequest(req, body, publicKey, true); err != nil {
		log.Printf("Inbox: Signature verification failed for %s: %v", act.Actor, err)
		return d.record(rec, domain.ResultFailure, "signature invalid")
	}

	if d.store.IsInstanceBanned(sender.Domain) {
		return d.record(rec, domain.ResultFailure, "instance banned")
	}

	result, message := d.dispatch(&act, sender)
	return d.record(rec, result, message)
}

// record writes the terminal audit row for an inbound activity.
func (d *Dispatcher) record(rec *domain.ActivityRecord, result, message string) *domain.ActivityRecord {
	rec.Result = result
	rec.Message = message
	if err := d.store.CreateActivityRecord(rec); err != nil {
		log.Printf("Inbox: Failed to store activity record: %v", err)
	}
	if message != "" {
		log.Printf("Inbox: %s %s from %s: %s", rec.ActivityType, result, rec.ActorURI, message)
	}
	return rec
}

// dispatch routes an authenticated activity to its variant handler.
// Anything outside the closed variant set falls through to a single
// unsupported case.
func (d *Dispatcher) dispatch(act *Activity, sender *domain.Actor) (string, string) {
	switch act.Type {
	case "Announce":
		return d.handleAnnounce(act, sender)
	case "Create":
		return d.handleDirectCreate(act, sender)
	case "Follow":
		return d.handleFollow(act, sender)
	case "Accept":
		return d.handleAccept(act)
	case "Undo":
		return d.handleUndo(act)
	case "Like", "Dislike":
		return d.handleVote(act.Type, act.Actor, objectURI(act.Object), act.ID)
	default:
		return domain.ResultFailure, fmt.Sprintf("unsupported activity type %q", act.Type)
	}
}

// handleAnnounce unwraps an activity re-broadcast by a remote community.
func (d *Dispatcher) handleAnnounce(act *Activity, sender *domain.Actor) (string, string) {
	if sender.Kind != domain.KindGroup {
		return domain.ResultFailure, "announcing actor is not a community"
	}

	var inner Activity
	if err := json.Unmarshal(act.Object, &inner); err != nil {
		return domain.ResultFailure, "cannot parse announced object"
	}

	switch inner.Type {
	case "Create":
		return d.handleAnnouncedCreate(&inner, sender)
	case "Like", "Dislike":
		return d.handleVote(inner.Type, inner.Actor, objectURI(inner.Object), inner.ID)
	default:
		return domain.ResultFailure, fmt.Sprintf("unsupported announced type %q", inner.Type)
	}
}

// handleAnnouncedCreate materializes a post or reply from a remote
// community's Create.
func (d *Dispatcher) handleAnnouncedCreate(create *Activity, community *domain.Actor) (string, string) {
	var obj noteObject
	if err := json.Unmarshal(create.Object, &obj); err != nil {
		return domain.ResultFailure, "cannot parse created object"
	}

	authorURI := firstString(obj.AttributedTo)
	if authorURI == "" {
		authorURI = create.Actor
	}

	return d.createContent(community, authorURI, &obj)
}

// handleDirectCreate handles a Create sent straight to one of our local
// communities by the author's server. The resulting post is re-broadcast
// to the community's followers.
func (d *Dispatcher) handleDirectCreate(act *Activity, author *domain.Actor) (string, string) {
	community := d.localAudience(act)
	if community == nil {
		return domain.ResultFailure, "no local community addressed"
	}

	err, member := d.store.ReadMember(community.Id, author.Id)
	if err != nil || member == nil || !member.IsActive() {
		return domain.ResultFailure, "author is not a member of the community"
	}

	var obj noteObject
	if err := json.Unmarshal(act.Object, &obj); err != nil {
		return domain.ResultFailure, "cannot parse created object"
	}

	result, message := d.createContent(community, author.ActorURI, &obj)
	if result != domain.ResultSuccess {
		return result, message
	}

	// Local communities re-broadcast accepted content to their followers.
	var raw map[string]interface{}
	full, _ := json.Marshal(act)
	if err := json.Unmarshal(full, &raw); err == nil {
		if err := d.deliverer.AnnounceToFollowers(community, raw); err != nil {
			log.Printf("Inbox: Fan-out for %s failed: %v", community.Handle(), err)
		}
	}

	return result, message
}

// createContent applies a Create's object as a new post or threaded reply.
func (d *Dispatcher) createContent(community *domain.Actor, authorURI string, obj *noteObject) (string, string) {
	switch obj.Type {
	case "Page", "Article", "Link", "Note":
	default:
		return domain.ResultFailure, fmt.Sprintf("unsupported object type %q", obj.Type)
	}

	// Re-delivery after a remote 5xx is routine; a known object id means
	// everything below already happened once.
	if obj.ID != "" {
		if err, existing := d.store.ReadPostByAPId(obj.ID); err == nil && existing != nil {
			return domain.ResultIgnored, "duplicate, already processed"
		}
		if err, existing := d.store.ReadPostReplyByAPId(obj.ID); err == nil && existing != nil {
			return domain.ResultIgnored, "duplicate, already processed"
		}
	}

	author, err := d.resolver.Resolve(authorURI)
	if err != nil {
		return domain.ResultFailure, "actor not found"
	}

	if d.store.IsInstanceBanned(author.Domain) {
		return domain.ResultFailure, "domain blocked"
	}

	if obj.InReplyTo != "" {
		return d.createReply(author, obj)
	}

	return d.createPost(community, author, obj)
}

func (d *Dispatcher) createPost(community, author *domain.Actor, obj *noteObject) (string, string) {
	bodyHTML, bodyMarkdown := renderBody(obj)

	title := obj.Name
	if title == "" {
		title = deriveTitle(obj.Content)
	}

	post := &domain.Post{
		Id:           uuid.New(),
		CommunityId:  community.Id,
		AuthorId:     author.Id,
		Title:        title,
		URL:          linkFromObject(obj),
		ThumbnailURL: thumbnailFromObject(obj),
		BodyHTML:     bodyHTML,
		BodyMarkdown: bodyMarkdown,
		APId:         obj.ID,
		CreatedAt:    time.Now(),
	}

	if err := d.store.CreatePost(post); err != nil {
		return domain.ResultFailure, fmt.Sprintf("failed to store post: %v", err)
	}

	if err := d.store.IncrementPostCount(community.Id); err != nil {
		log.Printf("Inbox: Failed to bump post count for %s: %v", community.Handle(), err)
	}

	return domain.ResultSuccess, ""
}

// createReply threads a reply under its resolved parent. An unknown parent
// drops the reply entirely; no partial insert.
func (d *Dispatcher) createReply(author *domain.Actor, obj *noteObject) (string, string) {
	bodyHTML, _ := renderBody(obj)

	reply := &domain.PostReply{
		Id:        uuid.New(),
		AuthorId:  author.Id,
		BodyHTML:  bodyHTML,
		APId:      obj.ID,
		CreatedAt: time.Now(),
	}

	if err, parentPost := d.store.ReadPostByAPId(obj.InReplyTo); err == nil && parentPost != nil {
		reply.PostId = parentPost.Id
	} else if err, parentReply := d.store.ReadPostReplyByAPId(obj.InReplyTo); err == nil && parentReply != nil {
		// Replies to replies keep pointing at the thread root.
		reply.PostId = parentReply.PostId
		reply.ParentId = &parentReply.Id
	} else {
		return domain.ResultFailure, "parent of reply not known"
	}

	if err := d.store.CreatePostReply(reply); err != nil {
		return domain.ResultFailure, fmt.Sprintf("failed to store reply: %v", err)
	}

	return domain.ResultSuccess, ""
}

// handleVote upserts a vote for (voter, target). The vote magnitude is
// scaled by the sending instance's configured weight.
func (d *Dispatcher) handleVote(voteType, voterURI, targetURI, apId string) (string, string) {
	if voteType == "Dislike" && !d.conf.Conf.AllowDislikes {
		return domain.ResultFiltered, "dislikes disabled by local policy"
	}

	if targetURI == "" {
		return domain.ResultFailure, "vote has no target"
	}

	voter, err := d.resolver.Resolve(voterURI)
	if err != nil {
		return domain.ResultFailure, "actor not found"
	}

	var targetKind string
	var targetId uuid.UUID
	if err, post := d.store.ReadPostByAPId(targetURI); err == nil && post != nil {
		targetKind = domain.TargetPost
		targetId = post.Id
	} else if err, reply := d.store.ReadPostReplyByAPId(targetURI); err == nil && reply != nil {
		targetKind = domain.TargetReply
		targetId = reply.Id
	} else {
		return domain.ResultFailure, "vote target not found"
	}

	weight := 1.0
	if err, instance := d.store.ReadInstanceByDomain(voter.Domain); err == nil && instance != nil {
		weight = instance.VoteWeight
	}

	effect := weight
	if voteType == "Dislike" {
		effect = -weight
	}

	vote := &domain.Vote{
		Id:         uuid.New(),
		ActorId:    voter.Id,
		TargetKind: targetKind,
		TargetId:   targetId,
		Effect:     effect,
		APId:       apId,
		CreatedAt:  time.Now(),
	}

	if err := d.store.UpsertVote(vote); err != nil {
		return domain.ResultFailure, fmt.Sprintf("failed to store vote: %v", err)
	}

	return domain.ResultSuccess, ""
}

// handleFollow grants membership in a local community and answers with a
// signed Accept. Membership is immediate; there is no approval queue at
// this layer.
func (d *Dispatcher) handleFollow(act *Activity, follower *domain.Actor) (string, string) {
	targetURI := objectURI(act.Object)

	err, community := d.store.ReadActorByURI(targetURI)
	if err != nil || community == nil || !community.Local || community.Kind != domain.KindGroup {
		return domain.ResultFailure, "follow target is not a local community"
	}

	err, existing := d.store.ReadMember(community.Id, follower.Id)
	if err == nil && existing != nil {
		if existing.Status == domain.StatusBanned {
			return domain.ResultFailure, "follower is banned from community"
		}
		return domain.ResultIgnored, "already a member"
	}

	member := &domain.CommunityMember{
		Id:          uuid.New(),
		CommunityId: community.Id,
		ActorId:     follower.Id,
		Status:      domain.StatusMember,
		URI:         act.ID,
		CreatedAt:   time.Now(),
	}
	if err := d.store.CreateMember(member); err != nil {
		return domain.ResultFailure, fmt.Sprintf("failed to create membership: %v", err)
	}

	// The Accept goes back synchronously, signed as the community. A send
	// failure doesn't undo the membership; the outbound audit record
	// carries the failure.
	if err := d.deliverer.SendAccept(community, follower, act.ID); err != nil {
		log.Printf("Inbox: Accept to %s failed: %v", follower.Handle(), err)
	}

	return domain.ResultSuccess, ""
}

// handleAccept converts one of our pending join requests into an active
// membership.
func (d *Dispatcher) handleAccept(act *Activity) (string, string) {
	var followObj struct {
		ID string `json:"id"`
	}
	followURI := objectURI(act.Object)
	if followURI == "" {
		if err := json.Unmarshal(act.Object, &followObj); err == nil {
			followURI = followObj.ID
		}
	}
	if followURI == "" {
		return domain.ResultFailure, "accept carries no follow reference"
	}

	err, member := d.store.ReadMemberByURI(followURI)
	if err != nil || member == nil {
		return domain.ResultIgnored, "no matching join request"
	}
	if member.Status != domain.StatusPending {
		return domain.ResultIgnored, "membership already active"
	}

	if err := d.store.UpdateMemberStatus(member.Id, domain.StatusMember); err != nil {
		return domain.ResultFailure, fmt.Sprintf("failed to activate membership: %v", err)
	}

	return domain.ResultSuccess, ""
}

// handleUndo reverses a previous Follow or vote.
func (d *Dispatcher) handleUndo(act *Activity) (string, string) {
	var obj struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(act.Object, &obj); err != nil {
		return domain.ResultFailure, "cannot parse undone object"
	}

	switch obj.Type {
	case "Follow":
		if err := d.store.DeleteMemberByURI(obj.ID); err != nil {
			return domain.ResultFailure, fmt.Sprintf("failed to remove membership: %v", err)
		}
		return domain.ResultSuccess, ""
	case "Like", "Dislike":
		if err := d.store.DeleteVoteByAPId(obj.ID); err != nil {
			return domain.ResultFailure, fmt.Sprintf("failed to remove vote: %v", err)
		}
		return domain.ResultSuccess, ""
	default:
		return domain.ResultFailure, fmt.Sprintf("unsupported undone type %q", obj.Type)
	}
}

// backfillActivity replays one historical outbox activity of a freshly
// discovered community. No audit record: backfill is enrichment, not
// inbound traffic.
func (d *Dispatcher) backfillActivity(community *domain.Actor, raw json.RawMessage) error {
	var act Activity
	if err := json.Unmarshal(raw, &act); err != nil {
		return err
	}

	create := &act
	if act.Type == "Announce" {
		var inner Activity
		if err := json.Unmarshal(act.Object, &inner); err != nil {
			return err
		}
		create = &inner
	}
	if create.Type != "Create" {
		return ErrUnsupportedActivity
	}

	var obj noteObject
	if err := json.Unmarshal(create.Object, &obj); err != nil {
		return err
	}

	authorURI := firstString(obj.AttributedTo)
	if authorURI == "" {
		authorURI = create.Actor
	}

	result, message := d.createContent(community, authorURI, &obj)
	if result != domain.ResultSuccess {
		return fmt.Errorf("backfill item not stored: %s", message)
	}
	return nil
}

// localAudience finds the local community an activity is addressed to, via
// the audience field or the to/cc lists.
func (d *Dispatcher) localAudience(act *Activity) *domain.Actor {
	prefix := fmt.Sprintf("https://%s/c/", d.conf.Conf.Domain)

	candidates := []string{act.Audience}
	candidates = append(candidates, stringList(act.To)...)
	candidates = append(candidates, stringList(act.Cc)...)

	for _, uri := range candidates {
		if !strings.HasPrefix(uri, prefix) {
			continue
		}
		if err, actor := d.store.ReadActorByURI(uri); err == nil && actor != nil &&
			actor.Local && actor.Kind == domain.KindGroup {
			return actor
		}
	}
	return nil
}

// objectURI extracts the object reference whether it is a bare URI string
// or an embedded object with an id.
func objectURI(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// firstString unwraps a value that may be a string or a list of strings.
func firstString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		for _, item := range val {
			if s, ok := item.(string); ok {
				return s
			}
		}
	}
	return ""
}

func stringList(v interface{}) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []interface{}:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// renderBody prefers a markdown source over pre-rendered HTML; either way
// the stored HTML has been sanitized.
func renderBody(obj *noteObject) (bodyHTML, bodyMarkdown string) {
	if obj.Source.Content != "" && strings.Contains(obj.Source.MediaType, "markdown") {
		return util.RenderMarkdown(obj.Source.Content), obj.Source.Content
	}
	return util.SanitizeHTML(obj.Content), ""
}

const maxDerivedTitleLen = 100

// deriveTitle builds a title for objects that carry none (Notes mostly).
func deriveTitle(content string) string {
	title := util.SanitizeText(content)
	title = strings.TrimSpace(strings.ReplaceAll(title, "\n", " "))
	if len(title) > maxDerivedTitleLen {
		// Cut on a rune boundary so a multibyte character straddling the
		// cap is dropped whole, not split.
		cut := maxDerivedTitleLen - 3
		for cut > 0 && !utf8.RuneStart(title[cut]) {
			cut--
		}
		title = title[:cut] + "..."
	}
	if title == "" {
		title = "(untitled)"
	}
	return title
}

// linkFromObject pulls the primary link out of the url field, which peers
// send as either a bare string or a list of Link objects.
func linkFromObject(obj *noteObject) string {
	if len(obj.URL) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(obj.URL, &s); err == nil {
		return s
	}
	var links []struct {
		Type string `json:"type"`
		Href string `json:"href"`
	}
	if err := json.Unmarshal(obj.URL, &links); err == nil {
		for _, l := range links {
			if l.Href != "" {
				return l.Href
			}
		}
	}
	return ""
}

func thumbnailFromObject(obj *noteObject) string {
	if obj.Image.URL != "" {
		return obj.Image.URL
	}
	for _, att := range obj.Attachment {
		if strings.HasPrefix(att.MediaType, "image/") {
			if att.URL != "" {
				return att.URL
			}
			return att.Href
		}
	}
	return ""
}
