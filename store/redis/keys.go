package redis

// Redis key naming conventions for firelancer data.
// All keys are prefixed with "firelancer:" to avoid collisions.

const keyPrefix = "firelancer:"

// jobKey returns the key holding a job record: firelancer:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// queueKey returns the Sorted Set key for a queue, scored by due time:
// firelancer:queue:{name}
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "job_ids"

// bufferKey returns the List key holding a queue's buffered entries:
// firelancer:buffer:{name}
func bufferKey(name string) string { return keyPrefix + "buffer:" + name }

// bufferQueuesKey is the Set tracking queues with buffered entries.
const bufferQueuesKey = keyPrefix + "buffer_queues"
