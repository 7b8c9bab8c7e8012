package pacing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/tokenpool/tokenpool/internal/redis"
)

// acquireLua takes the credential lock when it is free and the rest period
// has passed. Returns 0 on success, otherwise the number of milliseconds to
// wait before trying again.
//
// Keys: KEYS[1] = lock key, KEYS[2] = next-allowed key.
// Args: ARGV[1] = now (ms), ARGV[2] = owner, ARGV[3] = lease (ms).
const acquireLua = `
local pttl = redis.call('pttl', KEYS[1])
if pttl > 0 then
  return pttl
end
local now = tonumber(ARGV[1])
local nxt = tonumber(redis.call('get', KEYS[2]) or '0')
if nxt > now then
  return nxt - now
end
redis.call('set', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 0
`

// releaseLua drops the lock if the caller still owns it and records when
// the next holder may start.
//
// Keys: KEYS[1] = lock key, KEYS[2] = next-allowed key.
// Args: ARGV[1] = owner, ARGV[2] = next allowed start (ms), ARGV[3] = interval (ms).
const releaseLua = `
if redis.call('get', KEYS[1]) ~= ARGV[1] then
  return 0
end
redis.call('del', KEYS[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('set', KEYS[2], ARGV[2], 'PX', ARGV[3])
end
return 1
`

var (
	acquireScript = goredis.NewScript(acquireLua)
	releaseScript = goredis.NewScript(releaseLua)
)

// releaseTimeout bounds the release script, which runs after the request
// context may already be gone.
const releaseTimeout = 2 * time.Second

// RedisOptions configures gates shared across processes through Redis.
type RedisOptions struct {
	KeyPrefix    string
	Interval     time.Duration
	Lease        time.Duration
	PollInterval time.Duration

	// OnRedisError, when set, is called for every failed script call.
	OnRedisError func(error)
}

// RedisGate extends LocalGate with a Redis lock so that every process
// sharing a credential observes the same one-at-a-time and rest-period
// rules. Local waiters are queued first, so at most one goroutine per
// process polls Redis for a given credential.
//
// When Redis is unreachable the gate degrades to local pacing and logs a
// warning; other script errors fail the acquisition.
type RedisGate struct {
	local   *LocalGate
	client  redis.Client
	logger  *slog.Logger
	opts    RedisOptions
	lockKey string
	nextKey string

	warnOnce sync.Once
}

// NewRedisFactory returns a Factory producing RedisGates backed by client.
func NewRedisFactory(client redis.Client, opts RedisOptions, logger *slog.Logger) Factory {
	return func(token string) Gate { return NewRedisGate(client, token, opts, logger) }
}

// NewRedisGate builds the gate for one credential. The credential itself
// never reaches Redis; keys carry a digest of it.
func NewRedisGate(client redis.Client, token string, opts RedisOptions, logger *slog.Logger) *RedisGate {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 25 * time.Millisecond
	}
	if opts.Lease <= 0 {
		opts.Lease = 30 * time.Second
	}
	base := fmt.Sprintf("%s:gate:{%s}", opts.KeyPrefix, tokenDigest(token))
	return &RedisGate{
		local:   NewLocalGate(opts.Interval),
		client:  client,
		logger:  logger,
		opts:    opts,
		lockKey: base + ":lock",
		nextKey: base + ":next",
	}
}

// tokenDigest returns a short stable identifier for a credential. The
// braces around it in key names pin both keys to one cluster slot.
func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Acquire waits for the local queue, then polls Redis until the shared lock
// is granted.
func (g *RedisGate) Acquire(ctx context.Context) (func(), error) {
	localRelease, err := g.local.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	owner := uuid.NewString()
	for {
		wait, err := g.tryAcquire(ctx, owner)
		if err != nil {
			if redis.IsConnectivityErr(err) && ctx.Err() == nil {
				g.warnOnce.Do(func() {
					g.logger.Warn("redis unreachable, pacing with local gate only", "error", err)
				})
				return localRelease, nil
			}
			localRelease()
			return nil, err
		}
		if wait <= 0 {
			return sync.OnceFunc(func() {
				g.release(owner)
				localRelease()
			}), nil
		}

		if wait > g.opts.PollInterval {
			wait = g.opts.PollInterval
		}
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			localRelease()
			return nil, ctx.Err()
		case <-g.local.done():
			t.Stop()
			localRelease()
			return nil, ErrGateClosed
		}
	}
}

func (g *RedisGate) tryAcquire(ctx context.Context, owner string) (time.Duration, error) {
	now := time.Now().UnixMilli()
	cmd := g.evalScript(ctx, acquireScript, acquireLua, owner, now, owner, g.opts.Lease.Milliseconds())
	if err := cmd.Err(); err != nil {
		g.reportErr(err)
		return 0, err
	}
	ms, err := toInt64(cmd.Val())
	if err != nil {
		return 0, fmt.Errorf("parsing acquire result: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (g *RedisGate) release(owner string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	interval := g.opts.Interval.Milliseconds()
	next := time.Now().UnixMilli() + interval
	cmd := g.evalScript(ctx, releaseScript, releaseLua, owner, owner, next, interval)
	if err := cmd.Err(); err != nil {
		g.reportErr(err)
		g.logger.Warn("releasing shared gate failed, lock will expire with its lease", "error", err)
	}
}

// evalScript runs EVALSHA, falling back to EVAL on NOSCRIPT.
func (g *RedisGate) evalScript(ctx context.Context, s *goredis.Script, src, owner string, args ...any) *goredis.Cmd {
	keys := []string{g.lockKey, g.nextKey}
	cmd := g.client.EvalSha(ctx, s.Hash(), keys, args...)
	if redis.IsNoScriptErr(cmd.Err()) {
		g.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL", "key", g.lockKey, "owner", owner)
		cmd = g.client.Eval(ctx, src, keys, args...)
	}
	return cmd
}

func (g *RedisGate) reportErr(err error) {
	if g.opts.OnRedisError != nil {
		g.opts.OnRedisError(err)
	}
}

// Close wakes all waiters with ErrGateClosed. The Redis client is shared
// across gates and is not closed here.
func (g *RedisGate) Close() error {
	return g.local.Close()
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
