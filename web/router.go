package web

import (
	"fmt"
	"log"
	"strings"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/karluk/avens/activitypub"
	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
	"golang.org/x/time/rate"
)

func Router(store *db.DB, conf *util.AppConfig, dispatcher *activitypub.Dispatcher) error {
	log.Printf("Starting HTTP server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
	g := gin.Default()
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// Global rate limiter: 10 requests per second per IP, burst of 20
	globalLimiter := NewRateLimiter(rate.Limit(10), 20)
	g.Use(RateLimitMiddleware(globalLimiter))

	g.GET("/", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"name":    conf.Conf.SiteName,
			"version": util.GetVersion(),
		})
	})

	g.GET("/c/:actor/feed", func(c *gin.Context) {
		c.Header("Content-Type", "application/xml; charset=utf-8")

		rss, err := GetCommunityRSS(c.Param("actor"), store, conf)
		if err != nil {
			c.Render(404, render.String{Format: ""})
		} else {
			c.Render(200, render.String{Format: rss})
		}
	})

	if conf.Conf.Federation {
		// Stricter rate limit for federation endpoints: 5 req/sec per IP
		apLimiter := NewRateLimiter(rate.Limit(5), 10)

		// Max 1MB request body size for activities
		maxBodySize := MaxBytesMiddleware(1 * 1024 * 1024)

		g.GET("/u/:actor", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			err, actor := GetActor(c.Param("actor"), domain.KindPerson, store, conf)
			if err != nil {
				c.Render(404, render.String{Format: actor})
			} else {
				c.Render(200, render.String{Format: actor})
			}
		})

		g.GET("/c/:actor", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			err, actor := GetActor(c.Param("actor"), domain.KindGroup, store, conf)
			if err != nil {
				c.Render(404, render.String{Format: actor})
			} else {
				c.Render(200, render.String{Format: actor})
			}
		})

		g.GET("/c/:actor/outbox", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			err, outbox := GetCommunityOutbox(c.Param("actor"), store, conf)
			if err != nil {
				c.Render(404, render.String{Format: outbox})
			} else {
				c.Render(200, render.String{Format: outbox})
			}
		})

		g.GET("/c/:actor/followers", func(c *gin.Context) {
			c.Header("Content-Type", "application/activity+json; charset=utf-8")
			err, followers := GetFollowersCollection(c.Param("actor"), store, conf)
			if err != nil {
				c.Render(404, render.String{Format: followers})
			} else {
				c.Render(200, render.String{Format: followers})
			}
		})

		// Every inbox POST is acknowledged with 200 once the body is read;
		// processing outcomes live in the audit log, not the status code.
		inboxHandler := func(c *gin.Context) {
			body, err := c.GetRawData()
			if err != nil {
				log.Printf("Inbox: Failed to read body: %v", err)
				c.Status(400)
				return
			}

			dispatcher.HandleInbound(body, c.Request)
			c.Status(200)
		}

		g.POST("/inbox", RateLimitMiddleware(apLimiter), maxBodySize, inboxHandler)
		g.POST("/u/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, inboxHandler)
		g.POST("/c/:actor/inbox", RateLimitMiddleware(apLimiter), maxBodySize, inboxHandler)

		g.GET("/.well-known/webfinger", func(c *gin.Context) {
			c.Header("Content-Type", "application/json; charset=utf-8")

			resource := c.Query("resource")
			if resource == "" || !strings.HasPrefix(resource, "acct:") {
				c.Render(404, render.String{Format: GetWebFingerNotFound()})
			} else {
				resource = strings.TrimPrefix(resource, "acct:")
				resource = strings.TrimSuffix(resource, fmt.Sprintf("@%s", conf.Conf.Domain))
				err, resp := GetWebfinger(resource, store, conf)
				if err != nil {
					c.Render(404, render.String{Format: GetWebFingerNotFound()})
				} else {
					c.Render(200, render.String{Format: resp})
				}
			}
		})
	}

	err := g.Run(fmt.Sprintf("%s:%d", conf.Conf.Host, conf.Conf.HttpPort))
	if err != nil {
		return err
	}
	return nil
}
