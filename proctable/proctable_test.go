package proctable_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/config"
	"mirage/proctable"
)

func small() *proctable.Table {
	return proctable.New(config.Small())
}

func TestAllocateProcessAssignsUniquePids(t *testing.T) {
	tbl := small()
	a, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	b, err := tbl.AllocateProcess(true, a)
	require.Nil(t, err)
	assert.NotEqual(t, a, b)

	pcb, ok := tbl.Process(b)
	require.True(t, ok)
	assert.Equal(t, proctable.ProcessReady, pcb.State)
	assert.True(t, pcb.HasParent)
	assert.Equal(t, a, pcb.ParentPid)
}

func TestAllocateProcessTableFull(t *testing.T) {
	params := config.Small()
	params.MaxProc = 2
	tbl := proctable.New(params)
	_, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	_, err = tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	_, err = tbl.AllocateProcess(false, 0)
	assert.NotNil(t, err)
}

func TestReleaseProcessUnknown(t *testing.T) {
	tbl := small()
	assert.NotNil(t, tbl.ReleaseProcess(999))
}

func TestAllocateThreadRequiresProcess(t *testing.T) {
	tbl := small()
	_, err := tbl.AllocateThread(42, 0)
	assert.NotNil(t, err)
}

func TestAllocateThreadIncrementsCount(t *testing.T) {
	tbl := small()
	pid, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)

	_, err = tbl.AllocateThread(pid, 1)
	require.Nil(t, err)
	_, err = tbl.AllocateThread(pid, 1)
	require.Nil(t, err)

	pcb, ok := tbl.Process(pid)
	require.True(t, ok)
	assert.Equal(t, 2, pcb.ThreadCount)
}

func TestReleaseThreadDecrementsCount(t *testing.T) {
	tbl := small()
	pid, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	tid, err := tbl.AllocateThread(pid, 1)
	require.Nil(t, err)

	require.Nil(t, tbl.ReleaseThread(tid))
	pcb, ok := tbl.Process(pid)
	require.True(t, ok)
	assert.Equal(t, 0, pcb.ThreadCount)

	_, ok = tbl.Thread(tid)
	assert.False(t, ok)
}

func TestThreadTableFull(t *testing.T) {
	params := config.Small()
	params.MaxThreads = 1
	tbl := proctable.New(params)
	pid, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	_, err = tbl.AllocateThread(pid, 0)
	require.Nil(t, err)
	_, err = tbl.AllocateThread(pid, 0)
	assert.NotNil(t, err)
}

func TestSetThreadStatesForProcess(t *testing.T) {
	tbl := small()
	pid, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	tid1, err := tbl.AllocateThread(pid, 0)
	require.Nil(t, err)
	tid2, err := tbl.AllocateThread(pid, 0)
	require.Nil(t, err)
	require.Nil(t, tbl.SetThreadState(tid2, proctable.ThreadRunning))

	tbl.SetThreadStatesForProcess(pid, []proctable.ThreadState{proctable.ThreadReady, proctable.ThreadRunning}, proctable.ThreadBlocked)

	tcb1, _ := tbl.Thread(tid1)
	tcb2, _ := tbl.Thread(tid2)
	assert.Equal(t, proctable.ThreadBlocked, tcb1.State)
	assert.Equal(t, proctable.ThreadBlocked, tcb2.State)
}

func TestReleaseThreadsOfProcess(t *testing.T) {
	tbl := small()
	pid, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	tid1, err := tbl.AllocateThread(pid, 0)
	require.Nil(t, err)
	tid2, err := tbl.AllocateThread(pid, 0)
	require.Nil(t, err)

	tids := tbl.ReleaseThreadsOfProcess(pid)
	assert.ElementsMatch(t, []uint64{tid1, tid2}, tids)

	_, ok := tbl.Thread(tid1)
	assert.False(t, ok)
	_, ok = tbl.Thread(tid2)
	assert.False(t, ok)
}

func TestIncrementCpuTime(t *testing.T) {
	tbl := small()
	pid, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	tid, err := tbl.AllocateThread(pid, 0)
	require.Nil(t, err)

	require.Nil(t, tbl.IncrementProcessCpuTime(pid))
	require.Nil(t, tbl.IncrementThreadCpuTime(tid))

	pcb, _ := tbl.Process(pid)
	tcb, _ := tbl.Thread(tid)
	assert.Equal(t, uint64(1), pcb.CpuTime)
	assert.Equal(t, uint64(1), tcb.CpuTime)
}

func TestResetClearsTables(t *testing.T) {
	tbl := small()
	pid, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	_, err = tbl.AllocateThread(pid, 0)
	require.Nil(t, err)

	tbl.Reset()

	_, ok := tbl.Process(pid)
	assert.False(t, ok)

	newPid, err := tbl.AllocateProcess(false, 0)
	require.Nil(t, err)
	assert.Equal(t, uint64(0), newPid)
}
