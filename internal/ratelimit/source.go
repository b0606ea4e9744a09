package ratelimit

import "context"

// Source is anything that can produce an admission decision for an identity.
// The in-memory Limiter satisfies it directly; the Redis store is adapted
// through AsSource. CheckWithLimit carries key- or plan-level limit
// overrides; limit <= 0 means the source's own default.
type Source interface {
	Check(identity string) Decision
	CheckWithLimit(identity string, limit int) Decision
}

type redisSource struct {
	r   *RedisLimiter
	ctx context.Context
}

func (s redisSource) Check(identity string) Decision {
	return s.r.Check(s.ctx, identity)
}

func (s redisSource) CheckWithLimit(identity string, limit int) Decision {
	return s.r.CheckWithLimit(s.ctx, identity, limit)
}

// AsSource binds ctx to the Redis limiter's per-call context, yielding the
// context-free Check the admission pipeline expects.
func (r *RedisLimiter) AsSource(ctx context.Context) Source {
	if ctx == nil {
		ctx = context.Background()
	}
	return redisSource{r: r, ctx: ctx}
}
