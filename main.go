package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/karluk/avens/activitypub"
	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
	"github.com/karluk/avens/web"
)

func main() {

	conf, err := util.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	fmt.Println("Configuration: ")
	fmt.Println(util.PrettyPrint(conf))

	store, err := db.Open(util.ResolveFilePath("avens.db"))
	if err != nil {
		log.Fatalln(err)
	}

	log.Println("Running database migrations...")
	if err := store.RunMigrations(); err != nil {
		log.Fatalln(err)
	}
	log.Println("Database migrations complete")

	if err := ensureSiteActor(store, conf); err != nil {
		log.Fatalln(err)
	}

	resolver := activitypub.NewResolver(store, conf)
	deliverer := activitypub.NewDeliverer(store, conf)
	dispatcher := activitypub.NewDispatcher(store, conf, resolver, deliverer)

	if conf.Conf.Federation {
		activitypub.StartDeliveryWorker(store, conf)
	}

	startServing(store, conf, dispatcher)
}

// ensureSiteActor creates the instance-level actor on first boot. It signs
// unauthenticated fetches of remote actors and represents the server
// itself to its peers.
func ensureSiteActor(store *db.DB, conf *util.AppConfig) error {
	err, existing := store.ReadActorByName(conf.Conf.SiteName, conf.Conf.Domain, domain.KindPerson)
	if err == nil && existing != nil {
		return nil
	}

	privatePem, publicPem, err := activitypub.GenerateKeypair()
	if err != nil {
		return fmt.Errorf("could not generate site actor keypair: %w", err)
	}

	actorURI := fmt.Sprintf("https://%s/u/%s", conf.Conf.Domain, conf.Conf.SiteName)
	site := &domain.Actor{
		Id:            uuid.New(),
		Kind:          domain.KindPerson,
		Username:      conf.Conf.SiteName,
		Domain:        conf.Conf.Domain,
		ActorURI:      actorURI,
		InboxURI:      fmt.Sprintf("%s/inbox", actorURI),
		DisplayName:   conf.Conf.SiteName,
		PublicKeyPem:  publicPem,
		PrivateKeyPem: privatePem,
		Local:         true,
		CreatedAt:     time.Now(),
	}

	if err := store.CreateActor(site); err != nil {
		return fmt.Errorf("could not create site actor: %w", err)
	}

	log.Printf("Created site actor %s", site.Handle())
	return nil
}

func startServing(store *db.DB, conf *util.AppConfig, dispatcher *activitypub.Dispatcher) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := web.Router(store, conf, dispatcher); err != nil {
			log.Fatalln(err)
		}
	}()

	<-done
	log.Println("Stopping server")
	if err := store.Close(); err != nil {
		log.Fatalln(err)
	}
}
