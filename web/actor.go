package web

import (
	"encoding/json"
	"fmt"

	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
)

// GetActor renders the actor document for a local user or community.
func GetActor(name string, kind domain.ActorKind, store *db.DB, conf *util.AppConfig) (error, string) {
	err, actor := store.ReadActorByName(name, conf.Conf.Domain, kind)
	if err != nil || actor == nil {
		return fmt.Errorf("no local %s named %q", kind, name), "{}"
	}
	if !actor.Local {
		return fmt.Errorf("%q is not a local actor", name), "{}"
	}

	displayName := actor.DisplayName
	if displayName == "" {
		displayName = actor.Username
	}

	doc := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        actor.ActorURI,
		"type":                      string(actor.Kind),
		"preferredUsername":         actor.Username,
		"name":                      displayName,
		"summary":                   actor.Summary,
		"inbox":                     actor.InboxURI,
		"outbox":                    fmt.Sprintf("%s/outbox", actor.ActorURI),
		"followers":                 fmt.Sprintf("%s/followers", actor.ActorURI),
		"url":                       actor.ActorURI,
		"manuallyApprovesFollowers": false,
		"discoverable":              true,
		"endpoints": map[string]string{
			"sharedInbox": fmt.Sprintf("https://%s/inbox", conf.Conf.Domain),
		},
		"publicKey": map[string]string{
			"id":           fmt.Sprintf("%s#main-key", actor.ActorURI),
			"owner":        actor.ActorURI,
			"publicKeyPem": actor.PublicKeyPem,
		},
	}
	if actor.Kind == domain.KindGroup && actor.Title != "" {
		doc["name"] = actor.Title
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}

	return nil, string(jsonBytes)
}

// GetFollowersCollection renders a count-only followers collection; the
// member list itself is not exposed.
func GetFollowersCollection(name string, store *db.DB, conf *util.AppConfig) (error, string) {
	err, actor := store.ReadActorByName(name, conf.Conf.Domain, domain.KindGroup)
	if err != nil || actor == nil {
		return fmt.Errorf("no local community named %q", name), "{}"
	}

	_, count := store.CountActiveMembers(actor.Id)

	doc := map[string]interface{}{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         fmt.Sprintf("%s/followers", actor.ActorURI),
		"type":       "OrderedCollection",
		"totalItems": count,
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}

	return nil, string(jsonBytes)
}
