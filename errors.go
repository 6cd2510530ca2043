package firelancer

import "errors"

var (
	// Store errors.
	ErrNoStore          = errors.New("firelancer: no store configured")
	ErrStoreUnavailable = errors.New("firelancer: store unavailable")

	// Not found errors.
	ErrJobNotFound        = errors.New("firelancer: job not found")
	ErrCollectionNotFound = errors.New("firelancer: collection not found")
	ErrJobPostNotFound    = errors.New("firelancer: job post not found")

	// Conflict errors.
	ErrJobAlreadyExists   = errors.New("firelancer: job already exists")
	ErrQueueAlreadyExists = errors.New("firelancer: queue already exists")

	// Job lifecycle errors.
	// ErrJobCancelled is returned by a processor when it observes that its
	// job has been externally cancelled and aborts cooperatively. The
	// worker loop records such jobs as cancelled, not failed.
	ErrJobCancelled = errors.New("firelancer: job cancelled")

	// Configuration errors. These indicate mis-registration and are meant
	// to surface at startup or in integration tests, not in production.
	ErrUnknownEntity = errors.New("firelancer: unknown collectable entity")
	ErrNoSuchFilter  = errors.New("firelancer: no collection filter registered for code")

	// Tree errors.
	ErrCannotMoveIntoSelf = errors.New("firelancer: cannot move collection into itself or its descendants")
)
