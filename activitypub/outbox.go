package activitypub

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
)

const sendTimeout = 10 * time.Second

// DefaultContext is injected into outgoing activities whose caller did not
// supply one.
var DefaultContext = []interface{}{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// Deliverer signs and transmits activities to remote inboxes.
type Deliverer struct {
	store   *db.DB
	conf    *util.AppConfig
	timeout time.Duration
}

func NewDeliverer(store *db.DB, conf *util.AppConfig) *Deliverer {
	return &Deliverer{
		store:   store,
		conf:    conf,
		timeout: sendTimeout,
	}
}

// Send signs the activity as the given actor and POSTs it to a remote
// inbox. A transport-level failure is retried once at half the timeout;
// a 4xx response (except 404, which just means the peer doesn't care) is a
// hard failure with no retry here. Errors wrap ErrDelivery; the caller
// folds them into the instance health record, they never abort anything
// local.
func (d *Deliverer) Send(inboxURI string, activity map[string]interface{}, signer *domain.Actor) error {
	if signer.PrivateKeyPem == "" {
		return fmt.Errorf("%w: signer %s has no private key", ErrDelivery, signer.Handle())
	}
	privateKey, err := ParsePrivateKey(signer.PrivateKeyPem)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}

	if _, ok := activity["@context"]; !ok {
		withContext := make(map[string]interface{}, len(activity)+1)
		withContext["@context"] = DefaultContext
		for k, v := range activity {
			withContext[k] = v
		}
		activity = withContext
	}

	body, err := json.Marshal(activity)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal activity: %v", ErrDelivery, err)
	}

	keyId := signer.ActorURI + "#main-key"

	resp, err := d.post(inboxURI, body, privateKey, keyId, d.timeout)
	if err != nil {
		// client.Do only errors on transport-level problems; one quick
		// retry for those, then give up.
		resp, err = d.post(inboxURI, body, privateKey, keyId, d.timeout/2)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		// Deleted inbox or defederated peer; not worth a retry cycle.
		return nil
	default:
		return fmt.Errorf("%w: remote server returned status %d", ErrDelivery, resp.StatusCode)
	}
}

func (d *Deliverer) post(inboxURI string, body []byte, privateKey *rsa.PrivateKey, keyId string, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequest("POST", inboxURI, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	if err := SignRequest(req, body, privateKey, keyId); err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}

	client := &http.Client{Timeout: timeout}
	return client.Do(req)
}

// SendAccept sends an Accept activity in response to a Follow, signed as
// the community, and audits it.
func (d *Deliverer) SendAccept(community *domain.Actor, follower *domain.Actor, followURI string) error {
	acceptId := fmt.Sprintf("https://%s/activities/%s", d.conf.Conf.Domain, uuid.New().String())

	accept := map[string]interface{}{
		"@context": DefaultContext,
		"id":       acceptId,
		"type":     "Accept",
		"actor":    community.ActorURI,
		"object": map[string]interface{}{
			"id":     followURI,
			"type":   "Follow",
			"actor":  follower.ActorURI,
			"object": community.ActorURI,
		},
	}

	rec := d.auditOutbound(accept, acceptId, "Accept", community.ActorURI)

	err := d.Send(follower.DeliveryInbox(), accept, community)
	d.finishAudit(rec, err)
	return err
}

// AnnounceToFollowers re-broadcasts an activity that mutated one of our
// communities to every remote server with at least one member, one queued
// send per instance's shared inbox. Delivery is queued, never inline:
// fan-out must not block the request that triggered it.
func (d *Deliverer) AnnounceToFollowers(community *domain.Actor, inner map[string]interface{}) error {
	announceId := fmt.Sprintf("https://%s/activities/%s", d.conf.Conf.Domain, uuid.New().String())

	announce := map[string]interface{}{
		"@context": DefaultContext,
		"id":       announceId,
		"type":     "Announce",
		"actor":    community.ActorURI,
		"to":       []string{"https://www.w3.org/ns/activitystreams#Public"},
		"cc":       []string{community.ActorURI + "/followers"},
		"object":   inner,
	}

	activityJSON, err := json.Marshal(announce)
	if err != nil {
		return fmt.Errorf("failed to marshal announce: %w", err)
	}

	err, inboxes := d.store.ReadFollowerInboxes(community.Id)
	if err != nil {
		return fmt.Errorf("failed to read follower inboxes: %w", err)
	}
	if inboxes == nil || len(*inboxes) == 0 {
		return nil
	}

	rec := d.auditOutbound(announce, announceId, "Announce", community.ActorURI)

	queued := 0
	for _, inbox := range *inboxes {
		item := &domain.DeliveryQueueItem{
			Id:             uuid.New(),
			InstanceDomain: inbox.Domain,
			InboxURI:       inbox.InboxURI,
			ActivityJSON:   string(activityJSON),
			Attempts:       0,
			NextRetryAt:    time.Now(),
			CreatedAt:      time.Now(),
		}
		if err := d.store.EnqueueDelivery(item); err != nil {
			log.Printf("Outbox: Failed to queue delivery to %s: %v", inbox.InboxURI, err)
			continue
		}
		queued++
	}

	d.finishAudit(rec, nil)
	log.Printf("Outbox: Queued announce %s to %d instances", announceId, queued)
	return nil
}

// auditOutbound writes the outbound half of the activity audit log.
func (d *Deliverer) auditOutbound(activity map[string]interface{}, id, activityType, actorURI string) *domain.ActivityRecord {
	raw, _ := json.Marshal(activity)
	rec := &domain.ActivityRecord{
		Id:           uuid.New(),
		Direction:    domain.DirectionOut,
		ActivityURI:  id,
		ActivityType: activityType,
		ActorURI:     actorURI,
		RawJSON:      string(raw),
		Result:       domain.ResultProcessing,
		CreatedAt:    time.Now(),
	}
	if err := d.store.CreateActivityRecord(rec); err != nil {
		log.Printf("Outbox: Failed to audit %s: %v", activityType, err)
	}
	return rec
}

func (d *Deliverer) finishAudit(rec *domain.ActivityRecord, sendErr error) {
	result := domain.ResultSuccess
	message := ""
	if sendErr != nil {
		result = domain.ResultFailure
		message = sendErr.Error()
	}
	if err := d.store.FinishActivityRecord(rec.Id, result, message); err != nil {
		log.Printf("Outbox: Failed to finish audit record: %v", err)
	}
	rec.Result = result
	rec.Message = message
}
