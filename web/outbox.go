package web

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
)

const outboxPageSize = 50

// GetCommunityOutbox renders a community's recent posts as an
// OrderedCollection of Create activities, newest first.
func GetCommunityOutbox(name string, store *db.DB, conf *util.AppConfig) (error, string) {
	err, community := store.ReadActorByName(name, conf.Conf.Domain, domain.KindGroup)
	if err != nil || community == nil || !community.Local {
		return fmt.Errorf("no local community named %q", name), "{}"
	}

	err, posts := store.ReadRecentPostsByCommunity(community.Id, outboxPageSize)
	if err != nil {
		return err, "{}"
	}

	items := make([]map[string]interface{}, 0, len(*posts))
	for _, post := range *posts {
		authorURI := community.ActorURI
		if err, author := store.ReadActorById(post.AuthorId); err == nil && author != nil {
			authorURI = author.ActorURI
		}

		object := map[string]interface{}{
			"id":           post.APId,
			"type":         "Page",
			"name":         post.Title,
			"attributedTo": authorURI,
			"audience":     community.ActorURI,
			"content":      post.BodyHTML,
			"published":    post.CreatedAt.Format(time.RFC3339),
		}
		if post.URL != "" {
			object["url"] = post.URL
		}
		if post.BodyMarkdown != "" {
			object["source"] = map[string]string{
				"content":   post.BodyMarkdown,
				"mediaType": "text/markdown",
			}
		}

		items = append(items, map[string]interface{}{
			"id":     fmt.Sprintf("%s/create", post.APId),
			"type":   "Create",
			"actor":  authorURI,
			"object": object,
		})
	}

	doc := map[string]interface{}{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s/outbox", community.ActorURI),
		"type":         "OrderedCollection",
		"totalItems":   len(items),
		"orderedItems": items,
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return err, "{}"
	}

	return nil, string(jsonBytes)
}
