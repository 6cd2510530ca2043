// Package job defines the durable representation of a unit of work (the
// Record) and the pluggable Store contract through which records are
// enqueued, claimed and settled. Store implementations live under store/.
package job
