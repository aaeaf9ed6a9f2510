package sched_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/config"
	"mirage/sched"
)

func small() *sched.Ring {
	return sched.New(config.Small())
}

func TestEnqueueNextFIFO(t *testing.T) {
	r := small()
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 1}))
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 2}))

	first, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(1), first.Tid)

	second, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(2), second.Tid)

	_, ok = r.Next()
	assert.False(t, ok)
}

func TestEnqueueFullReturnsError(t *testing.T) {
	params := config.Small()
	params.MaxThreads = 2
	r := sched.New(params)
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 1}))
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 2}))
	assert.NotNil(t, r.Enqueue(sched.ScheduledThread{Tid: 3}))
}

func TestNextToleratesSparseHoles(t *testing.T) {
	params := config.Small()
	params.MaxThreads = 4
	r := sched.New(params)
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 1}))
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 2}))
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 3}))

	assert.Equal(t, 1, r.RemoveThread(2))

	first, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(1), first.Tid)

	second, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(3), second.Tid)

	_, ok = r.Next()
	assert.False(t, ok)
}

func TestRemoveProcessClearsAllItsThreads(t *testing.T) {
	r := small()
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 1, Pid: 9}))
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 2, Pid: 9}))
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 3, Pid: 7}))

	assert.Equal(t, 2, r.RemoveProcess(9))
	assert.Equal(t, 1, r.Len())

	remaining, ok := r.Next()
	require.True(t, ok)
	assert.Equal(t, uint64(3), remaining.Tid)
}

func TestEnqueueReusesHoleLeftByRemoval(t *testing.T) {
	params := config.Small()
	params.MaxThreads = 2
	r := sched.New(params)
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 1}))
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 2}))
	assert.Equal(t, 1, r.RemoveThread(1))

	// The ring is logically at len=1/2; enqueuing a third entry must
	// succeed by reusing the hole tid 1 left behind.
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 3}))
	assert.Equal(t, 2, r.Len())
}

func TestConsumeAndResetTimeSlice(t *testing.T) {
	e := sched.ScheduledThread{Priority: 2}
	sched.ResetTimeSlice(&e)
	assert.Equal(t, sched.SliceForPriority(2), e.RemainingSlice)

	expired := false
	for i := 0; i < 10 && !expired; i++ {
		expired = sched.ConsumeTimeSlice(&e)
	}
	assert.True(t, expired)
	assert.Equal(t, uint32(0), e.RemainingSlice)
}

func TestResetClearsRing(t *testing.T) {
	r := small()
	require.Nil(t, r.Enqueue(sched.ScheduledThread{Tid: 1}))
	r.Reset()
	assert.Equal(t, 0, r.Len())
	_, ok := r.Next()
	assert.False(t, ok)
}
