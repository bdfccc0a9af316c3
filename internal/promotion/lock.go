package promotion

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
)

type lockKey struct {
	content string
	assets  string
}

// LockRegistry hands out one exclusive lock per (content root, assets root)
// pair. Independent sites in the same process do not contend.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[lockKey]chan struct{}
}

// NewLockRegistry returns an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: make(map[lockKey]chan struct{})}
}

func (r *LockRegistry) sem(contentRoot, assetsRoot string) (chan struct{}, error) {
	content, err := filepath.Abs(contentRoot)
	if err != nil {
		return nil, fmt.Errorf("promotion: resolve content root: %w", err)
	}
	assets, err := filepath.Abs(assetsRoot)
	if err != nil {
		return nil, fmt.Errorf("promotion: resolve assets root: %w", err)
	}
	key := lockKey{content: content, assets: assets}

	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.locks[key] = ch
	}
	return ch, nil
}

// Acquire blocks until the pair's lock is held or ctx is done. The returned
// release func is idempotent. Once held, the lock ignores ctx.
func (r *LockRegistry) Acquire(ctx context.Context, contentRoot, assetsRoot string) (func(), error) {
	ch, err := r.sem(contentRoot, assetsRoot)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("promotion: acquire lock: %w", err)
	}
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("promotion: acquire lock: %w", ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// tryAcquire takes the lock only if it is free.
func (r *LockRegistry) tryAcquire(contentRoot, assetsRoot string) (func(), bool, error) {
	ch, err := r.sem(contentRoot, assetsRoot)
	if err != nil {
		return nil, false, err
	}
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, true, nil
	default:
		return nil, false, nil
	}
}
