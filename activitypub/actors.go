package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
)

const (
	actorCacheTTL    = 24 * time.Hour
	backfillPageSize = 50
	fetchTimeout     = 10 * time.Second
)

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Summary           string      `json:"summary"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

type webfingerResponse struct {
	Subject string `json:"subject"`
	Aliases []string
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// Resolver turns actor identifiers (profile URLs or name@domain handles)
// into local Actor records, fetching from the remote server when needed.
type Resolver struct {
	store  *db.DB
	conf   *util.AppConfig
	client *http.Client

	// Backfill, when set, is invoked with each historical activity pulled
	// from a newly discovered community's outbox. The dispatcher wires its
	// Create path in here.
	Backfill func(community *domain.Actor, raw json.RawMessage) error
}

func NewResolver(store *db.DB, conf *util.AppConfig) *Resolver {
	return &Resolver{
		store:  store,
		conf:   conf,
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// Resolve returns the actor for the given identifier, either a profile URL
// ("https://example.com/u/alice") or a handle ("alice@example.com"),
// materializing it from the remote server if not already cached. All
// failure modes collapse into ErrActorResolution for the caller.
func (r *Resolver) Resolve(identifier string) (*domain.Actor, error) {
	actorURI := identifier

	if !strings.HasPrefix(identifier, "http://") && !strings.HasPrefix(identifier, "https://") {
		uri, err := r.webfingerLookup(identifier)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrActorResolution, err)
		}
		actorURI = uri
	}

	err, cached := r.store.ReadActorByURI(actorURI)
	if err == nil && cached != nil {
		if cached.Local || time.Since(cached.LastRefreshedAt) < actorCacheTTL {
			return cached, nil
		}
	}

	actor, err := r.fetchRemoteActor(actorURI)
	if err != nil {
		// A stale cached copy beats a failed refresh.
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrActorResolution, err)
	}

	return actor, nil
}

// webfingerLookup maps a name@domain handle to the canonical actor URL.
func (r *Resolver) webfingerLookup(handle string) (string, error) {
	handle = strings.TrimPrefix(handle, "@")
	parts := strings.Split(handle, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("invalid handle: %s", handle)
	}

	wfURL := fmt.Sprintf("https://%s/.well-known/webfinger?resource=acct:%s",
		parts[1], url.QueryEscape(handle))

	req, err := http.NewRequest("GET", wfURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger lookup failed with status: %d", resp.StatusCode)
	}

	var wf webfingerResponse
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return "", fmt.Errorf("failed to parse webfinger response: %w", err)
	}

	for _, link := range wf.Links {
		if link.Rel == "self" && link.Type == "application/activity+json" && link.Href != "" {
			return link.Href, nil
		}
	}

	return "", fmt.Errorf("webfinger response has no self link")
}

// fetchRemoteActor fetches an actor document and stores it in the cache.
// The fetch is signed with the site actor's key when one exists, since some
// servers reject unauthenticated fetches.
func (r *Resolver) fetchRemoteActor(actorURI string) (*domain.Actor, error) {
	req, err := http.NewRequest("GET", actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	r.signFetch(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var doc ActorResponse
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}

	if doc.ID == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor document missing required fields")
	}

	return r.materialize(&doc)
}

// materialize stores a fetched actor document as an Actor record and makes
// sure a health record exists for its server.
func (r *Resolver) materialize(doc *ActorResponse) (*domain.Actor, error) {
	domainName, err := extractDomain(doc.ID)
	if err != nil {
		return nil, err
	}

	kind := domain.KindPerson
	if doc.Type == "Group" {
		kind = domain.KindGroup
	}

	actor := &domain.Actor{
		Id:              uuid.New(),
		Kind:            kind,
		Username:        doc.PreferredUsername,
		Domain:          domainName,
		ActorURI:        doc.ID,
		InboxURI:        doc.Inbox,
		SharedInboxURI:  doc.Endpoints.SharedInbox,
		DisplayName:     doc.Name,
		Summary:         doc.Summary,
		PublicKeyPem:    doc.PublicKey.PublicKeyPem,
		Title:           doc.Name,
		LastRefreshedAt: time.Now(),
		CreatedAt:       time.Now(),
	}

	// First contact with a new server creates its health record.
	sharedInbox := doc.Endpoints.SharedInbox
	if sharedInbox == "" {
		sharedInbox = doc.Inbox
	}
	if err, _ := r.store.EnsureInstance(domainName, sharedInbox); err != nil {
		log.Printf("Resolver: Failed to ensure instance for %s: %v", domainName, err)
	}

	if err := r.store.CreateActor(actor); err != nil {
		// Already cached, refresh instead.
		if err := r.store.UpdateActor(actor); err != nil {
			return nil, fmt.Errorf("failed to store actor: %w", err)
		}
		err, stored := r.store.ReadActorByURI(actor.ActorURI)
		if err != nil {
			return nil, fmt.Errorf("failed to reread actor: %w", err)
		}
		actor = stored
	}

	// Community content is enriched in the background, best effort only.
	if actor.Kind == domain.KindGroup && doc.Outbox != "" {
		go r.backfillCommunity(actor, doc.Outbox)
	}

	return actor, nil
}

// signFetch signs an outgoing GET with the site actor's key, if the site
// actor has been bootstrapped yet.
func (r *Resolver) signFetch(req *http.Request) {
	err, site := r.store.ReadActorByName(r.conf.Conf.SiteName, r.conf.Conf.Domain, domain.KindPerson)
	if err != nil || site == nil || site.PrivateKeyPem == "" {
		return
	}
	key, err := ParsePrivateKey(site.PrivateKeyPem)
	if err != nil {
		return
	}
	if err := SignRequest(req, nil, key, site.ActorURI+"#main-key"); err != nil {
		log.Printf("Resolver: Failed to sign fetch of %s: %v", req.URL, err)
	}
}

// backfillCommunity pulls a newly discovered community's recent posts (one
// outbox page, capped) so the community isn't empty locally. Failures are
// logged and forgotten; this is enrichment, not part of resolution.
func (r *Resolver) backfillCommunity(community *domain.Actor, outboxURI string) {
	req, err := http.NewRequest("GET", outboxURI, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())
	r.signFetch(req)

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("Backfill: Outbox fetch for %s failed: %v", community.Handle(), err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("Backfill: Outbox fetch for %s returned %d", community.Handle(), resp.StatusCode)
		return
	}

	var outbox struct {
		OrderedItems []json.RawMessage `json:"orderedItems"`
		First        json.RawMessage   `json:"first"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&outbox); err != nil {
		log.Printf("Backfill: Failed to parse outbox for %s: %v", community.Handle(), err)
		return
	}

	items := outbox.OrderedItems
	if len(items) > backfillPageSize {
		items = items[:backfillPageSize]
	}

	stored := 0
	for _, item := range items {
		var activity struct {
			ID     string          `json:"id"`
			Type   string          `json:"type"`
			Actor  string          `json:"actor"`
			Object json.RawMessage `json:"object"`
		}
		if err := json.Unmarshal(item, &activity); err != nil {
			continue
		}
		if activity.Type != "Create" && activity.Type != "Announce" {
			continue
		}
		if err := r.backfillItem(community, item); err == nil {
			stored++
		}
	}

	log.Printf("Backfill: Stored %d of %d outbox items for %s", stored, len(items), community.Handle())
}

// backfillItem reuses the inbound Create path for one historical activity.
func (r *Resolver) backfillItem(community *domain.Actor, raw json.RawMessage) error {
	if r.Backfill == nil {
		return fmt.Errorf("no backfill handler registered")
	}
	return r.Backfill(community, raw)
}

// extractDomain extracts the domain from an actor URI
// Example: "https://lemmy.world/c/news" -> "lemmy.world"
func extractDomain(actorURI string) (string, error) {
	parsed, err := url.Parse(actorURI)
	if err != nil {
		return "", fmt.Errorf("invalid actor URI: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("actor URI has no host: %s", actorURI)
	}

	return parsed.Host, nil
}
