package web

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/karluk/avens/domain"
)

func TestGetActorUser(t *testing.T) {
	store := setupTestDB(t)
	conf := testConf()
	actor := storeLocalActor(t, store, "alice", domain.KindPerson)

	err, result := GetActor("alice", domain.KindPerson, store, conf)
	if err != nil {
		t.Fatalf("GetActor failed: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(result), &doc); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}

	if doc["id"] != actor.ActorURI {
		t.Errorf("id = %v, want %s", doc["id"], actor.ActorURI)
	}
	if doc["type"] != "Person" {
		t.Errorf("type = %v, want Person", doc["type"])
	}
	if doc["preferredUsername"] != "alice" {
		t.Errorf("preferredUsername = %v", doc["preferredUsername"])
	}
	if doc["inbox"] != actor.InboxURI {
		t.Errorf("inbox = %v, want %s", doc["inbox"], actor.InboxURI)
	}
	if doc["outbox"] != actor.ActorURI+"/outbox" {
		t.Errorf("outbox = %v", doc["outbox"])
	}

	endpoints, _ := doc["endpoints"].(map[string]interface{})
	if endpoints["sharedInbox"] != "https://local.example/inbox" {
		t.Errorf("sharedInbox = %v", endpoints["sharedInbox"])
	}

	publicKey, _ := doc["publicKey"].(map[string]interface{})
	if publicKey["id"] != actor.ActorURI+"#main-key" {
		t.Errorf("publicKey id = %v", publicKey["id"])
	}
	if publicKey["owner"] != actor.ActorURI {
		t.Errorf("publicKey owner = %v", publicKey["owner"])
	}
	if publicKey["publicKeyPem"] != actor.PublicKeyPem {
		t.Error("publicKey pem does not match the stored key")
	}
}

func TestGetActorCommunityUsesTitle(t *testing.T) {
	store := setupTestDB(t)
	conf := testConf()

	community := &domain.Actor{
		Id:              uuid.New(),
		Kind:            domain.KindGroup,
		Username:        "news",
		Domain:          "local.example",
		ActorURI:        "https://local.example/c/news",
		InboxURI:        "https://local.example/c/news/inbox",
		PublicKeyPem:    "key",
		Local:           true,
		Title:           "Local News",
		LastRefreshedAt: time.Now(),
		CreatedAt:       time.Now(),
	}
	if err := store.CreateActor(community); err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}

	err, result := GetActor("news", domain.KindGroup, store, conf)
	if err != nil {
		t.Fatalf("GetActor failed: %v", err)
	}

	var doc map[string]interface{}
	json.Unmarshal([]byte(result), &doc)
	if doc["type"] != "Group" {
		t.Errorf("type = %v, want Group", doc["type"])
	}
	if doc["name"] != "Local News" {
		t.Errorf("name = %v, want the community title", doc["name"])
	}
}

func TestGetActorUnknown(t *testing.T) {
	store := setupTestDB(t)

	err, result := GetActor("nobody", domain.KindPerson, store, testConf())
	if err == nil {
		t.Error("Expected an error for an unknown actor")
	}
	if result != "{}" {
		t.Errorf("Expected empty document, got %s", result)
	}
}

func TestGetActorRejectsRemote(t *testing.T) {
	store := setupTestDB(t)

	remote := &domain.Actor{
		Id:              uuid.New(),
		Kind:            domain.KindPerson,
		Username:        "eve",
		Domain:          "local.example",
		ActorURI:        "https://elsewhere.example/u/eve",
		InboxURI:        "https://elsewhere.example/u/eve/inbox",
		PublicKeyPem:    "key",
		Local:           false,
		LastRefreshedAt: time.Now(),
		CreatedAt:       time.Now(),
	}
	if err := store.CreateActor(remote); err != nil {
		t.Fatalf("CreateActor failed: %v", err)
	}

	err, _ := GetActor("eve", domain.KindPerson, store, testConf())
	if err == nil {
		t.Error("Expected an error for a cached remote actor")
	}
}

func TestGetFollowersCollection(t *testing.T) {
	store := setupTestDB(t)
	conf := testConf()
	community := storeLocalActor(t, store, "news", domain.KindGroup)

	for i, status := range []string{domain.StatusMember, domain.StatusModerator, domain.StatusPending, domain.StatusBanned} {
		member := &domain.Actor{
			Id:              uuid.New(),
			Kind:            domain.KindPerson,
			Username:        "member" + string(rune('a'+i)),
			Domain:          "remote.example",
			ActorURI:        "https://remote.example/u/member" + string(rune('a'+i)),
			InboxURI:        "https://remote.example/inbox",
			PublicKeyPem:    "key",
			LastRefreshedAt: time.Now(),
			CreatedAt:       time.Now(),
		}
		if err := store.CreateActor(member); err != nil {
			t.Fatalf("CreateActor failed: %v", err)
		}
		store.CreateMember(&domain.CommunityMember{
			Id:          uuid.New(),
			CommunityId: community.Id,
			ActorId:     member.Id,
			Status:      status,
			CreatedAt:   time.Now(),
		})
	}

	err, result := GetFollowersCollection("news", store, conf)
	if err != nil {
		t.Fatalf("GetFollowersCollection failed: %v", err)
	}

	var doc map[string]interface{}
	json.Unmarshal([]byte(result), &doc)
	if doc["type"] != "OrderedCollection" {
		t.Errorf("type = %v, want OrderedCollection", doc["type"])
	}
	// Pending and banned members do not count as followers
	if doc["totalItems"] != float64(2) {
		t.Errorf("totalItems = %v, want 2", doc["totalItems"])
	}
}
