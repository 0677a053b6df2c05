package store

// Backend key layout. Everything the subsystem persists lives under the
// taskmill: prefix so hosts can share a backend with other applications.
const (
	KeyPending   = "taskmill:queue:pending"
	KeyRunning   = "taskmill:queue:running"
	KeyDead      = "taskmill:queue:dead"
	KeySchedules = "taskmill:recurring:ids"
)

func TaskKey(id string) string { return "taskmill:task:" + id }

func DeadKey(taskID string) string { return "taskmill:dead:" + taskID }

const DeadKeyPattern = "taskmill:dead:*"

func ScheduleKey(id string) string { return "taskmill:recurring:sched:" + id }

// IdemKey names the per-definition idempotency hash; fields are the
// derived dedup keys, values the owning task ids.
func IdemKey(name string) string { return "taskmill:idem:" + name }

func DebounceKey(name, key string) string { return "taskmill:debounce:" + name + ":" + key }
