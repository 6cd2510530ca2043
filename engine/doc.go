// Package engine wires all Firelancer subsystems together: the event bus,
// the buffer service, the queue service, the catalog service, and the
// scheduled maintenance jobs (buffer flushing and settled job cleanup).
//
// This package exists to break the import cycle: the root firelancer
// package defines Entity and Config (imported by job, catalog, etc.) and so
// cannot import those packages back. The engine package sits above all
// subsystem packages and below the application layer.
package engine
