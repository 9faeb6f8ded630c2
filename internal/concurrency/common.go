// Package concurrency holds the loop primitives shared by the control plane's
// background monitors and the daemon's sync loops.
package concurrency

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"
)

// RunLoop invokes fn when signaled and again every resync interval, retrying
// with growing backoff (capped at maxRetry) until fn reports success. It
// returns when ctx is canceled.
func RunLoop(ctx context.Context, signal <-chan struct{}, resync, maxRetry time.Duration, fn func() bool) {
	ch := make(chan struct{}, 1)
	ch <- struct{}{} // initial sync

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	if resync > 0 {
		go func() {
			timer := time.NewTicker(Jitter(resync))
			defer timer.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					select {
					case ch <- struct{}{}:
					default:
					}
					timer.Reset(Jitter(resync))
				}
			}
		}()
	}

	attempt := func() {
		var lastRetry time.Duration
		for ctx.Err() == nil {
			if fn() {
				return
			}

			if lastRetry == 0 {
				lastRetry = time.Millisecond * 50
			}
			lastRetry += lastRetry / 8
			if lastRetry > maxRetry {
				lastRetry = maxRetry
			}

			sleep(ctx, Jitter(lastRetry))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			attempt()
			sleep(ctx, Jitter(time.Millisecond*100)) // cooldown
		}
	}
}

// Periodic invokes fn immediately and then on every interval tick until ctx
// is canceled. A failed pass is not retried early, the next tick picks it up.
func Periodic(ctx context.Context, interval time.Duration, fn func()) {
	fn()
	ticker := time.NewTicker(Jitter(interval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
			ticker.Reset(Jitter(interval))
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Jitter spreads duration by +/-5% to avoid thundering herds.
func Jitter(duration time.Duration) time.Duration {
	maxJitter := int64(duration) * int64(5) / 100
	return duration + time.Duration(mathrand.Int63n(maxJitter*2)-maxJitter)
}

// StateContainer is a mutex-guarded value with watch semantics.
type StateContainer[T any] struct {
	lock     sync.Mutex
	current  T
	watchers map[any]chan struct{}
}

func (s *StateContainer[T]) Get() T {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current
}

func (s *StateContainer[T]) Swap(val T) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = val
	s.bumpUnlocked()
}

// ReEnter signals watchers without changing the value.
func (s *StateContainer[T]) ReEnter() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.bumpUnlocked()
}

func (s *StateContainer[T]) bumpUnlocked() {
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *StateContainer[T]) Watch(ctx context.Context) <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.watchers == nil {
		s.watchers = map[any]chan struct{}{}
	}

	ch := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()

		s.lock.Lock()
		defer s.lock.Unlock()

		delete(s.watchers, ctx)
		close(ch)
	}()

	s.watchers[ctx] = ch
	return ch
}
