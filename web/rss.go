package web

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/feeds"
	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
)

// GetCommunityRSS builds an RSS feed of a community's recent posts.
func GetCommunityRSS(name string, store *db.DB, conf *util.AppConfig) (string, error) {
	err, community := store.ReadActorByName(name, conf.Conf.Domain, domain.KindGroup)
	if err != nil || community == nil {
		log.Printf("RSS: Could not find community %s: %v", name, err)
		return "", errors.New("error retrieving community")
	}

	err, posts := store.ReadRecentPostsByCommunity(community.Id, outboxPageSize)
	if err != nil {
		log.Printf("RSS: Could not get posts for %s: %v", name, err)
		return "", errors.New("error retrieving posts")
	}

	title := community.Title
	if title == "" {
		title = community.Username
	}

	feed := &feeds.Feed{
		Title:       fmt.Sprintf("%s - %s", conf.Conf.SiteName, title),
		Link:        &feeds.Link{Href: fmt.Sprintf("%s/feed", community.ActorURI)},
		Description: community.Summary,
		Author:      &feeds.Author{Name: community.Handle()},
		Created:     time.Now(),
	}

	var feedItems []*feeds.Item
	for _, post := range *posts {
		link := post.URL
		if link == "" {
			link = post.APId
		}

		authorName := community.Handle()
		if err, author := store.ReadActorById(post.AuthorId); err == nil && author != nil {
			authorName = author.Handle()
		}

		feedItems = append(feedItems,
			&feeds.Item{
				Id:      post.Id.String(),
				Title:   post.Title,
				Link:    &feeds.Link{Href: link},
				Content: post.BodyHTML,
				Author:  &feeds.Author{Name: authorName},
				Created: post.CreatedAt,
			})
	}

	feed.Items = feedItems
	return feed.ToRss()
}
