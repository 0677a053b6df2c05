package backend

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNoTask is returned by Claim when nothing is due.
	ErrNoTask = errors.New("no task ready to claim")
)

// ClaimQuery describes one atomic claim attempt against the pending queue.
type ClaimQuery struct {
	PendingKey string
	RunningKey string
	Now        time.Time
	// Allowed restricts claimable task names; nil means any.
	Allowed []string
	// Blocked excludes task names (e.g. types at their concurrency cap).
	Blocked []string
	Lease   time.Duration
}

// Backend is the key-value store contract shared by every component.
// All operations are individually atomic; Claim composes the
// remove-and-lease step atomically so that under N concurrent claimers
// exactly one wins a given member.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Keys returns all keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZRem reports whether the member was present and removed.
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
	// ZRangeByScore returns members with min <= score <= max in
	// (score, member) order, up to limit (limit <= 0 means all).
	ZRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]string, error)
	// ZRevRange returns members ordered by descending score, paginated.
	ZRevRange(ctx context.Context, key string, offset, count int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key, field string) error

	SAdd(ctx context.Context, key, member string) error
	SRem(ctx context.Context, key, member string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	// Claim pops the lowest-ordered due member from the pending queue
	// and adds it to the running set scored by lease expiry, in one
	// atomic step. Returns ErrNoTask when no due member matches.
	Claim(ctx context.Context, q ClaimQuery) (string, error)

	Close() error
}

// Queue members encode the task name so claim filters can match without
// loading task records. Task names must not contain '|'.
const memberSep = "|"

func Member(name, id string) string {
	return name + memberSep + id
}

func SplitMember(member string) (name, id string) {
	if i := strings.Index(member, memberSep); i >= 0 {
		return member[:i], member[i+1:]
	}
	return "", member
}

// Pending-queue scores pack (priority, scheduledFor) into one float64 so
// the backend's ordered set yields the claim order directly: lower
// priority value first, earlier scheduledFor second, member (task id)
// as the deterministic tie-break. 42 bits of unix-milli keeps the packed
// value exact within float64's 53-bit mantissa for priorities up to 2047.
const dueBits = 42

// MaxPriority is the largest priority whose packed score stays exact:
// 53 mantissa bits minus dueBits leaves 11 bits for the priority.
const MaxPriority = 1<<(53-dueBits) - 1

func Score(priority int, scheduledFor time.Time) float64 {
	return float64(int64(priority)<<dueBits | scheduledFor.UnixMilli())
}

// DuePart extracts the scheduledFor unix-milli component of a score.
func DuePart(score float64) int64 {
	return int64(score) & (1<<dueBits - 1)
}
