package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard marks a session's feedback job as in flight so that concurrent
// triggers, possibly on different replicas, run the job at most once.
//
// Claim returns ok=false when another holder owns the claim. When ok is true
// the caller must invoke release once the job is done.
type Guard interface {
	Claim(ctx context.Context, sessionID string) (release func(context.Context), ok bool, err error)
}

// LocalGuard is an in-process [Guard] for single-replica deployments.
type LocalGuard struct {
	mu       sync.Mutex
	inFlight map[string]struct{}
}

var _ Guard = (*LocalGuard)(nil)

// NewLocalGuard returns an empty in-process guard.
func NewLocalGuard() *LocalGuard {
	return &LocalGuard{inFlight: make(map[string]struct{})}
}

// Claim implements [Guard].
func (g *LocalGuard) Claim(_ context.Context, sessionID string) (func(context.Context), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[sessionID]; busy {
		return nil, false, nil
	}
	g.inFlight[sessionID] = struct{}{}
	return func(context.Context) {
		g.mu.Lock()
		delete(g.inFlight, sessionID)
		g.mu.Unlock()
	}, true, nil
}

// releaseScript deletes the claim key only if it still holds our token, so a
// claim that expired and was taken over is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard claims sessions with SET NX and a TTL. The TTL bounds how long a
// crashed replica can block regeneration.
type RedisGuard struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

var _ Guard = (*RedisGuard)(nil)

// NewRedisGuard returns a guard storing claims under prefix+sessionID.
// A zero ttl defaults to 10 minutes; an empty prefix to "storyturn:feedback:".
func NewRedisGuard(client redis.UniversalClient, ttl time.Duration, prefix string) *RedisGuard {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if prefix == "" {
		prefix = "storyturn:feedback:"
	}
	return &RedisGuard{client: client, ttl: ttl, prefix: prefix}
}

// Claim implements [Guard].
func (g *RedisGuard) Claim(ctx context.Context, sessionID string) (func(context.Context), bool, error) {
	key := g.prefix + sessionID
	token := uuid.NewString()
	ok, err := g.client.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("feedback: redis claim %s: %w", sessionID, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) {
		if err := releaseScript.Run(ctx, g.client, []string{key}, token).Err(); err != nil {
			slog.Warn("feedback: redis release failed", "session_id", sessionID, "err", err)
		}
	}, true, nil
}
