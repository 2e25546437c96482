package web

import (
	"fmt"

	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
)

// GetWebfinger resolves a local name to its actor document URL. Users and
// communities share one name space here; users win on a clash.
func GetWebfinger(name string, store *db.DB, conf *util.AppConfig) (error, string) {
	err, actor := store.ReadActorByName(name, conf.Conf.Domain, domain.KindPerson)
	if err != nil || actor == nil {
		err, actor = store.ReadActorByName(name, conf.Conf.Domain, domain.KindGroup)
		if err != nil || actor == nil {
			return fmt.Errorf("no local actor named %q", name), GetWebFingerNotFound()
		}
	}

	return nil, fmt.Sprintf(
		`{
					"subject": "acct:%s@%s",

					"links": [
						{
							"rel": "self",
							"type": "application/activity+json",
							"href": "%s"
						}
					]
				}`, actor.Username, conf.Conf.Domain, actor.ActorURI)
}

func GetWebFingerNotFound() string {
	return `{"detail":"Not Found"}`
}
