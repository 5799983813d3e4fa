package lock

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lessonloop/lessonloop-api/utils/cache"
)

// ErrNotAcquired is returned when the booking lock cannot be taken within the
// caller's window. The payment core fails fast instead of queueing.
var ErrNotAcquired = errors.New("booking lock not acquired")

const (
	// lockTTL bounds how long a crashed holder can wedge a booking
	lockTTL = 30 * time.Second
	// acquireAttempts * acquireBackoff is the total wait before failing fast
	acquireAttempts = 5
	acquireBackoff  = 200 * time.Millisecond
)

// releaseScript deletes the lock only if we still own it, so an expired lock
// re-acquired by someone else is never released out from under them.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// BookingLocker serializes payment-state mutations per booking. Two
// concurrent sweeps touching the same booking collapse into one winner; the
// loser either waits out the short retry window or fails with ErrNotAcquired.
type BookingLocker struct {
	redisCache *cache.RedisCache
}

// NewBookingLocker creates a new booking locker
func NewBookingLocker(redisCache *cache.RedisCache) *BookingLocker {
	return &BookingLocker{redisCache: redisCache}
}

// WithLock runs fn while holding the advisory lock for bookingID. The lock is
// released on every exit path, including a panic inside fn.
func (l *BookingLocker) WithLock(ctx context.Context, bookingID uint, fn func(ctx context.Context) error) error {
	key := fmt.Sprintf("booking:lock:%d", bookingID)
	token := uuid.NewString()

	acquired := false
	for i := 0; i < acquireAttempts; i++ {
		ok, err := l.redisCache.SetNX(ctx, key, token, lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire booking lock: %w", err)
		}
		if ok {
			acquired = true
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquireBackoff):
		}
	}
	if !acquired {
		return ErrNotAcquired
	}

	defer l.release(key, token)

	return fn(ctx)
}

func (l *BookingLocker) release(key, token string) {
	// Fresh context: the caller's context may already be cancelled and the
	// lock must still be released.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client := l.redisCache.GetClient()
	if err := client.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil && err != redis.Nil {
		// The TTL is the backstop; nothing more to do here.
		log.Printf("warning: failed to release booking lock %s: %v", key, err)
	}
}
