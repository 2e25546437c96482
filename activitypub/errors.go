package activitypub

import "errors"

// Error taxonomy for the federation core. Callers classify with errors.Is;
// everything else is wrapped transport or storage detail.
var (
	// ErrUnsupportedAlgorithm - a digest or signature algorithm other than
	// the supported ones was requested.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrVerificationFormat - the signature, digest or date material is
	// malformed. A client error, never retried.
	ErrVerificationFormat = errors.New("malformed signature material")

	// ErrVerification - the cryptographic check itself failed. Treated as
	// a security event, never retried.
	ErrVerification = errors.New("signature verification failed")

	// ErrActorResolution - a remote actor could not be fetched or its
	// document was malformed. Transient; the triggering activity is dropped.
	ErrActorResolution = errors.New("actor not found")

	// ErrDelivery - an outbound send failed. Captured into instance health
	// counters, drives backoff.
	ErrDelivery = errors.New("delivery failed")

	// ErrUnsupportedActivity - the activity/object type combination is not
	// implemented. Recorded, not escalated.
	ErrUnsupportedActivity = errors.New("unsupported activity")
)
