// Package queue implements the job queue service: queue registration,
// per-queue polling workers, retry scheduling, buffering integration and
// lifecycle hooks. Producers obtain a JobQueue handle from the Service and
// add jobs through it; one worker goroutine per active queue claims jobs
// from the store and runs them through the middleware chain.
package queue
