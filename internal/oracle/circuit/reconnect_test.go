package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffConfigDelayGrowsAndCaps(t *testing.T) {
	c := BackoffConfig{Initial: time.Second, Multiplier: 2, Max: 30 * time.Second, MaxAttempts: 10}

	assert.Equal(t, time.Second, c.Delay(1))
	assert.Equal(t, 2*time.Second, c.Delay(2))
	assert.Equal(t, 4*time.Second, c.Delay(3))
	assert.Equal(t, 30*time.Second, c.Delay(10))
}

func TestBackoffConfigExhausted(t *testing.T) {
	c := BackoffConfig{MaxAttempts: 3}
	assert.False(t, c.Exhausted(3))
	assert.True(t, c.Exhausted(4))
}

func TestSupervisorSucceedsOnFirstAttempt(t *testing.T) {
	events := make(chan ReconnectEvent, 10)
	sup := NewSupervisor("binance", BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: time.Second, MaxAttempts: 5}, events)

	sup.Run(context.Background(), func(ctx context.Context) error { return nil })

	kinds := drain(events)
	assert.Equal(t, []ReconnectEventKind{ReconnectScheduled, ReconnectSucceeded}, kinds)
}

func TestSupervisorExhaustsBudget(t *testing.T) {
	events := make(chan ReconnectEvent, 50)
	sup := NewSupervisor("kraken", BackoffConfig{Initial: time.Millisecond, Multiplier: 2, Max: 2 * time.Millisecond, MaxAttempts: 3}, events)

	attempts := 0
	sup.Run(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("still down")
	})

	assert.Equal(t, 3, attempts)
	kinds := drain(events)
	assert.Equal(t, ReconnectExhausted, kinds[len(kinds)-1])
}

func TestSupervisorStopsOnContextCancel(t *testing.T) {
	events := make(chan ReconnectEvent, 10)
	sup := NewSupervisor("okx", BackoffConfig{Initial: time.Hour, Multiplier: 2, Max: time.Hour, MaxAttempts: 10}, events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx, func(ctx context.Context) error { return nil })
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}
}

func drain(events chan ReconnectEvent) []ReconnectEventKind {
	var kinds []ReconnectEventKind
	for {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
		default:
			return kinds
		}
	}
}
