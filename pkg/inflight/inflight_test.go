package inflight

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlot_BeginCancelsPrevious(t *testing.T) {
	var s Slot

	first, t1 := s.Begin(context.Background())
	second, t2 := s.Begin(context.Background())

	require.Error(t, first.Err())
	assert.ErrorIs(t, context.Cause(first), ErrSuperseded)
	assert.NoError(t, second.Err())

	assert.False(t, t1.Current())
	assert.True(t, t2.Current())
	assert.True(t, s.Busy())

	// A stale ticket finishing must not clear the newer request.
	t1.Done()
	assert.True(t, t2.Current())
	assert.True(t, s.Busy())

	t2.Done()
	assert.False(t, s.Busy())
	assert.False(t, t2.Current())
	assert.Error(t, second.Err())
}

func TestSlot_Cancel(t *testing.T) {
	var s Slot
	ctx, tk := s.Begin(context.Background())

	s.Cancel()
	assert.ErrorIs(t, context.Cause(ctx), ErrSlotCancelled)
	assert.False(t, tk.Current())
	assert.False(t, s.Busy())

	// Cancel on an idle slot is a no-op.
	s.Cancel()
}

func TestSlot_ParentCancellation(t *testing.T) {
	var s Slot
	parent, cancel := context.WithCancel(context.Background())
	ctx, tk := s.Begin(parent)
	defer tk.Done()

	cancel()
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestGroup(t *testing.T) {
	g := NewGroup()
	assert.Same(t, g.Slot("list"), g.Slot("list"))
	assert.NotSame(t, g.Slot("list"), g.Slot("detail"))

	listCtx, _ := g.Slot("list").Begin(context.Background())
	detailCtx, _ := g.Slot("detail").Begin(context.Background())

	g.CancelAll()
	assert.Error(t, listCtx.Err())
	assert.Error(t, detailCtx.Err())
}

func TestDebouncer_RunsLastTrigger(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var got atomic.Int32
	for i := 1; i <= 5; i++ {
		v := int32(i)
		d.Trigger(func() { got.Store(v) })
	}

	assert.Eventually(t, func() bool { return got.Load() == 5 }, time.Second, 5*time.Millisecond)
}

func TestDebouncer_Stop(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var fired atomic.Bool
	d.Trigger(func() { fired.Store(true) })
	d.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestNewDebouncer_DefaultDelay(t *testing.T) {
	assert.Equal(t, DefaultDebounce, NewDebouncer(0).delay)
}
