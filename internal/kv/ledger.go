// Package kv implements the event ledger on Redis. Claims are keys set
// with NX and a TTL equal to the processing lease; committing rewrites the
// key with the retention period as TTL, so pruning is left to Redis.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"subsync/internal/config"
	"subsync/internal/types"
)

// cmdable is the subset of redis.Cmdable the ledger uses.
type cmdable interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// releaseScript deletes KEYS[1] only while it still holds ARGV[1], so a
// claim that was committed meanwhile survives.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

// Ledger is a Redis-backed event ledger.
type Ledger struct {
	client    cmdable
	prefix    string
	retention time.Duration
}

// NewLedger creates a Ledger. Applied entries expire after retention.
func NewLedger(client cmdable, prefix string, retention time.Duration) *Ledger {
	return &Ledger{client: client, prefix: prefix, retention: retention}
}

// NewClient opens a Redis client from cfg and verifies it with PING.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Unmask(),
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: connect to redis at %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func (l *Ledger) key(eventID string) string {
	return l.prefix + eventID
}

func (l *Ledger) Admit(ctx context.Context, eventID string, _ types.EventType, lease time.Duration) (types.AdmitResult, error) {
	key := l.key(eventID)
	ok, err := l.client.SetNX(ctx, key, types.LedgerStatusProcessing, lease).Result()
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalLedger, "failed to admit event", err)
	}
	if ok {
		return types.AdmitAccepted, nil
	}

	status, err := l.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// The claim expired between the two commands.
		return types.AdmitInFlight, nil
	case err != nil:
		return "", types.NewAppError(types.ErrCodeInternalLedger, "failed to read ledger entry", err)
	case status == types.LedgerStatusApplied:
		return types.AdmitDuplicate, nil
	default:
		return types.AdmitInFlight, nil
	}
}

func (l *Ledger) Commit(ctx context.Context, eventID string) error {
	if err := l.client.Set(ctx, l.key(eventID), types.LedgerStatusApplied, l.retention).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalLedger, "failed to commit event", err)
	}
	return nil
}

func (l *Ledger) Release(ctx context.Context, eventID string) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key(eventID)}, types.LedgerStatusProcessing).Err()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalLedger, "failed to release event", err)
	}
	return nil
}

// Prune is a no-op: applied keys carry the retention period as their TTL.
func (l *Ledger) Prune(context.Context, time.Time) (int64, error) {
	return 0, nil
}
