package source

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CooldownStore holds the per-provider "do not call before" deadline. It is
// shared by every caller of a provider.
type CooldownStore interface {
	Until(ctx context.Context, provider string) (time.Time, error)
	// Extend moves the deadline forward; an earlier deadline is ignored.
	Extend(ctx context.Context, provider string, until time.Time) error
}

// MemoryCooldown is an in-process CooldownStore.
type MemoryCooldown struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
}

// NewMemoryCooldown returns an empty in-process cooldown store.
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{deadlines: make(map[string]time.Time)}
}

func (m *MemoryCooldown) Until(_ context.Context, provider string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deadlines[provider], nil
}

func (m *MemoryCooldown) Extend(_ context.Context, provider string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until.After(m.deadlines[provider]) {
		m.deadlines[provider] = until
	}
	return nil
}

// RedisCooldown mirrors cooldown deadlines to Redis so several processes
// hitting the same provider observe one deadline. The local copy keeps the
// gate working when Redis is unreachable.
type RedisCooldown struct {
	client *redis.Client
	local  *MemoryCooldown
	prefix string
	now    func() time.Time
}

// NewRedisCooldown wraps client.
func NewRedisCooldown(client *redis.Client) *RedisCooldown {
	return &RedisCooldown{
		client: client,
		local:  NewMemoryCooldown(),
		prefix: "gamebench:cooldown:",
		now:    time.Now,
	}
}

func (r *RedisCooldown) key(provider string) string { return r.prefix + provider }

func (r *RedisCooldown) Until(ctx context.Context, provider string) (time.Time, error) {
	local, _ := r.local.Until(ctx, provider)

	val, err := r.client.Get(ctx, r.key(provider)).Result()
	if err == redis.Nil {
		return local, nil
	}
	if err != nil {
		zap.L().Warn("cooldown: redis read failed, using local deadline",
			zap.String("provider", provider), zap.Error(err))
		return local, nil
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return local, eris.Wrapf(err, "cooldown: parse deadline for %s", provider)
	}
	remote := time.UnixMilli(ms)
	if remote.After(local) {
		_ = r.local.Extend(ctx, provider, remote)
		return remote, nil
	}
	return local, nil
}

func (r *RedisCooldown) Extend(ctx context.Context, provider string, until time.Time) error {
	_ = r.local.Extend(ctx, provider, until)

	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	current, err := r.Until(ctx, provider)
	if err == nil && current.After(until) {
		return nil
	}
	if err := r.client.Set(ctx, r.key(provider), strconv.FormatInt(until.UnixMilli(), 10), ttl).Err(); err != nil {
		return eris.Wrapf(err, "cooldown: write deadline for %s", provider)
	}
	return nil
}
