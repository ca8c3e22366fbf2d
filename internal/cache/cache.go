package cache

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/ogulcanaydogan/apkforge/pkg/types"
)

// Cache layers stores, fastest first. Concurrent requests for one key share
// a single lookup and at most one compile.
type Cache struct {
	stores []Store
	log    *slog.Logger
	group  singleflight.Group
}

func New(log *slog.Logger, stores ...Store) *Cache {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Cache{stores: stores, log: log}
}

type outcome struct {
	art types.CompiledArtifact
	hit bool
}

// Do returns the cached artifact for key or runs compile and records its
// result. Store failures are logged and degrade to a miss.
//
// A caller that joined another caller's flight never inherits that caller's
// cancellation or timeout: it waits on its own ctx and, if the shared flight
// was interrupted while ctx is still live, starts over.
func (c *Cache) Do(ctx context.Context, key string, target types.ABITarget, compile func(context.Context) (types.CompiledArtifact, error)) (types.CompiledArtifact, error) {
	for {
		led := false
		ch := c.group.DoChan(key, func() (any, error) {
			led = true
			if art, ok := c.lookup(ctx, key, target); ok {
				return outcome{art: art, hit: true}, nil
			}
			art, err := compile(ctx)
			if err != nil {
				return nil, err
			}
			c.store(ctx, key, art)
			return outcome{art: art}, nil
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return types.CompiledArtifact{}, types.WrapError(types.KindOf(ctx.Err()), context.Cause(ctx))
		case res = <-ch:
		}
		if res.Err != nil {
			if !led && ctx.Err() == nil && interrupted(res.Err) {
				c.log.Debug("shared compile interrupted, retrying", "key", key)
				continue
			}
			return types.CompiledArtifact{}, res.Err
		}
		o := res.Val.(outcome)
		art := o.art
		art.Target = target
		art.Cached = o.hit
		return art, nil
	}
}

func interrupted(err error) bool {
	switch types.KindOf(err) {
	case types.KindCancelled, types.KindTimeout:
		return true
	}
	return false
}

func (c *Cache) lookup(ctx context.Context, key string, target types.ABITarget) (types.CompiledArtifact, bool) {
	for i, s := range c.stores {
		raw, ok, err := s.Get(ctx, key)
		if err != nil {
			c.log.Warn("cache read failed", "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		e, err := Unmarshal(raw)
		if err != nil {
			c.log.Warn("cache entry rejected", "key", key, "error", err)
			continue
		}
		// Backfill the faster stores that missed.
		for _, prev := range c.stores[:i] {
			if err := prev.Put(ctx, key, raw); err != nil {
				c.log.Warn("cache backfill failed", "key", key, "error", err)
			}
		}
		return types.CompiledArtifact{Target: target, Name: e.Name, Content: e.Content, Digest: e.Digest}, true
	}
	return types.CompiledArtifact{}, false
}

func (c *Cache) store(ctx context.Context, key string, art types.CompiledArtifact) {
	if len(c.stores) == 0 {
		return
	}
	raw, err := Marshal(Entry{
		Version: EntryVersion,
		Module:  art.Target.Module,
		ABI:     string(art.Target.ABI),
		Name:    art.Name,
		Digest:  art.Digest,
		Content: art.Content,
	})
	if err != nil {
		c.log.Warn("cache encode failed", "key", key, "error", err)
		return
	}
	for _, s := range c.stores {
		if err := s.Put(ctx, key, raw); err != nil {
			c.log.Warn("cache write failed", "key", key, "error", err)
		}
	}
}
