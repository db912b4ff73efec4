package convert

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zjrosen/docserve/internal/log"
)

// Factory hands out converter instances keyed by options fingerprint.
// Converters are expensive to build, so at most `size` of them are kept
// alive in an LRU cache; requesting a converter for options already seen
// reuses the cached instance.
type Factory struct {
	engine Engine
	policy Policy

	mu       sync.Mutex
	cache    *lru.Cache[string, Converter]
	building map[string]chan struct{}
}

// NewFactory creates a converter factory with an LRU bound of size.
func NewFactory(engine Engine, policy Policy, size int) (*Factory, error) {
	if size < 1 {
		return nil, fmt.Errorf("converter cache size must be at least 1, got %d", size)
	}

	cache, err := lru.NewWithEvict(size, func(key string, _ Converter) {
		log.Debug(log.CatCache, "evicting converter", "fingerprint", key)
	})
	if err != nil {
		return nil, fmt.Errorf("create converter cache: %w", err)
	}

	return &Factory{
		engine:   engine,
		policy:   policy,
		cache:    cache,
		building: make(map[string]chan struct{}),
	}, nil
}

// Policy returns the service policy the factory resolves options against.
func (f *Factory) Policy() Policy {
	return f.policy
}

// Converter resolves opts and returns a converter for them, building one
// if the fingerprint is not cached. Concurrent requests for the same
// fingerprint share a single build.
func (f *Factory) Converter(ctx context.Context, opts Options) (Converter, string, error) {
	res, err := Resolve(opts, f.policy)
	if err != nil {
		return nil, "", err
	}

	fp, err := Fingerprint(res)
	if err != nil {
		return nil, "", err
	}

	conv, err := f.converterFor(ctx, fp, res)
	if err != nil {
		return nil, fp, err
	}
	return conv, fp, nil
}

func (f *Factory) converterFor(ctx context.Context, fp string, res Resolved) (Converter, error) {
	for {
		f.mu.Lock()
		if conv, ok := f.cache.Get(fp); ok {
			f.mu.Unlock()
			return conv, nil
		}
		if done, inFlight := f.building[fp]; inFlight {
			f.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		done := make(chan struct{})
		f.building[fp] = done
		f.mu.Unlock()

		log.Info(log.CatCache, "building converter", "fingerprint", fp)
		conv, err := f.engine.NewConverter(res)
		if err == nil {
			conv = wrapUnsafe(conv)
		}

		f.mu.Lock()
		delete(f.building, fp)
		if err == nil {
			f.cache.Add(fp, conv)
		}
		f.mu.Unlock()
		close(done)

		if err != nil {
			return nil, fmt.Errorf("build converter: %w", err)
		}
		return conv, nil
	}
}

// WarmUp pre-builds the converter for the default options so the first
// request does not pay the model-loading cost.
func (f *Factory) WarmUp(ctx context.Context) error {
	_, fp, err := f.Converter(ctx, DefaultOptions())
	if err != nil {
		return fmt.Errorf("warm up converter cache: %w", err)
	}
	log.Info(log.CatCache, "converter cache warmed", "fingerprint", fp)
	return nil
}

// Clear drops every cached converter. In-flight conversions keep their
// converter alive until they finish.
func (f *Factory) Clear() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := f.cache.Len()
	f.cache.Purge()
	log.Info(log.CatCache, "converter cache cleared", "evicted", n)
	return n
}

// Len returns the number of cached converters.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cache.Len()
}

// serialConverter guards a converter that is not safe for concurrent use.
type serialConverter struct {
	mu    sync.Mutex
	inner Converter
}

func (s *serialConverter) ConvertAll(ctx context.Context, sources []Source, headers map[string]string) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ConvertAll(ctx, sources, headers)
}

func wrapUnsafe(conv Converter) Converter {
	if cs, ok := conv.(ConcurrencySafe); ok && cs.ConcurrentSafe() {
		return conv
	}
	return &serialConverter{inner: conv}
}
