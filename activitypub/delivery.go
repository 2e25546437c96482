package activitypub

import (
	"encoding/json"
	"log"
	"time"

	"github.com/karluk/avens/db"
	"github.com/karluk/avens/domain"
	"github.com/karluk/avens/util"
)

const (
	deliveryBatchSize   = 50
	deliveryMaxAttempts = 10
	workerInterval      = 10 * time.Second
)

// StartDeliveryWorker starts a background worker that drains the delivery
// queue. Deliveries run entirely off the request path; a failed send only
// updates the target instance's health record, it never rolls anything
// back.
func StartDeliveryWorker(store *db.DB, conf *util.AppConfig) {
	log.Println("Starting delivery worker...")

	deliverer := NewDeliverer(store, conf)
	ticker := time.NewTicker(workerInterval)
	go func() {
		for range ticker.C {
			ProcessDeliveryQueue(store, deliverer)
		}
	}()
}

// ProcessDeliveryQueue pushes one batch of due deliveries out.
func ProcessDeliveryQueue(store *db.DB, deliverer *Deliverer) {
	err, items := store.ReadPendingDeliveries(deliveryBatchSize)
	if err != nil {
		log.Printf("DeliveryWorker: Failed to read queue: %v", err)
		return
	}

	if items == nil || len(*items) == 0 {
		return
	}

	log.Printf("DeliveryWorker: Processing %d pending deliveries", len(*items))

	for _, item := range *items {
		deliverItem(store, deliverer, &item)
	}
}

func deliverItem(store *db.DB, deliverer *Deliverer, item *domain.DeliveryQueueItem) {
	err, instance := store.EnsureInstance(item.InstanceDomain, item.InboxURI)
	if err != nil {
		log.Printf("DeliveryWorker: No instance record for %s: %v", item.InstanceDomain, err)
		store.DeleteDelivery(item.Id)
		return
	}

	now := time.Now()
	if instance.Dormant || instance.Banned {
		// Dormant servers stop receiving sends entirely until an operator
		// or health check clears the flag.
		log.Printf("DeliveryWorker: Dropping delivery to dormant/banned instance %s", instance.Domain)
		store.DeleteDeliveriesForInstance(instance.Domain)
		return
	}
	if now.Before(instance.StartTryingAgain) {
		store.UpdateDeliveryAttempt(item.Id, item.Attempts, instance.StartTryingAgain)
		return
	}

	sendErr := sendQueuedActivity(store, deliverer, item)

	if sendErr == nil {
		instance.RecordSuccess(now)
		if err := store.UpdateInstanceHealth(instance); err != nil {
			log.Printf("DeliveryWorker: Failed to update health for %s: %v", instance.Domain, err)
		}
		store.DeleteDelivery(item.Id)
		return
	}

	instance.RecordFailure(now)
	if err := store.UpdateInstanceHealth(instance); err != nil {
		log.Printf("DeliveryWorker: Failed to update health for %s: %v", instance.Domain, err)
	}

	item.Attempts++
	if item.Attempts >= deliveryMaxAttempts {
		log.Printf("DeliveryWorker: Giving up on delivery to %s after %d attempts", item.InboxURI, item.Attempts)
		store.DeleteDelivery(item.Id)
		return
	}

	log.Printf("DeliveryWorker: Delivery to %s failed (attempt %d, next try %s): %v",
		item.InboxURI, item.Attempts, instance.StartTryingAgain.Format(time.RFC3339), sendErr)
	store.UpdateDeliveryAttempt(item.Id, item.Attempts, instance.StartTryingAgain)
}

// sendQueuedActivity re-signs and sends one queued activity. The signing
// actor is looked up from the activity's actor field; it must be local.
func sendQueuedActivity(store *db.DB, deliverer *Deliverer, item *domain.DeliveryQueueItem) error {
	var activity map[string]interface{}
	if err := json.Unmarshal([]byte(item.ActivityJSON), &activity); err != nil {
		return err
	}

	actorURI, _ := activity["actor"].(string)
	err, signer := store.ReadActorByURI(actorURI)
	if err != nil || signer == nil {
		log.Printf("DeliveryWorker: Signing actor %s not found", actorURI)
		return ErrDelivery
	}

	return deliverer.Send(item.InboxURI, activity, signer)
}
