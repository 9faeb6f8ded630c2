package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRunLoop(t *testing.T) {
	t.Run("blocks and cools down when handling signals", func(t *testing.T) {
		signal := make(chan struct{}, 2)
		defer close(signal)

		signal <- struct{}{}
		signal <- struct{}{}

		output := make(chan struct{})
		go RunLoop(context.Background(), signal, time.Hour, time.Second, func() bool {
			output <- struct{}{}
			return true
		})

		start := time.Now()
		<-output
		<-output
		assert.GreaterOrEqual(t, time.Since(start), time.Millisecond*90)
	})

	t.Run("resync", func(t *testing.T) {
		output := make(chan struct{})
		go RunLoop(context.Background(), make(<-chan struct{}), time.Millisecond, time.Second, func() bool {
			output <- struct{}{}
			return true
		})

		<-output
		<-output
	})

	t.Run("retries", func(t *testing.T) {
		output := make(chan struct{})
		go RunLoop(context.Background(), make(<-chan struct{}), time.Millisecond, time.Millisecond*2, func() bool {
			output <- struct{}{}
			return false
		})

		<-output

		start := time.Now()
		<-output
		latencyA := time.Since(start)

		<-output

		start = time.Now()
		<-output
		latencyB := time.Since(start)

		assert.Greater(t, latencyB, latencyA)
	})

	t.Run("stops on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			RunLoop(ctx, make(<-chan struct{}), time.Hour, time.Second, func() bool { return true })
			close(done)
		}()

		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("RunLoop did not return after cancellation")
		}
	})
}

func TestPeriodic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	output := make(chan struct{})
	go Periodic(ctx, time.Millisecond, func() {
		select {
		case output <- struct{}{}:
		case <-ctx.Done():
		}
	})

	<-output // immediate first pass
	<-output // tick
}

func TestStateContainer(t *testing.T) {
	s := &StateContainer[int]{}

	ch := make(chan int)
	go func() {
		for range s.Watch(context.Background()) {
			ch <- s.Get()
		}
	}()

	assert.Equal(t, 0, s.Get())
	s.Swap(123)
	assert.Equal(t, 123, s.Get())
}
