package kernel_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mirage/auth"
	"mirage/kernel"
	"mirage/kerneltest"
	"mirage/proctable"
	"mirage/sched"
	"mirage/security"
)

func boot(t *testing.T) *kernel.Kernel {
	return kerneltest.NewTstate(t).Kernel
}

func systemCreds() security.Credentials {
	return kerneltest.SystemCreds()
}

func TestSpawnTickReady(t *testing.T) {
	k := boot(t)
	ctx := context.Background()

	pid, _, err := k.SpawnInitialProcess(ctx, systemCreds())
	require.Nil(t, err)

	k.Tick(ctx)

	pcb, ok := k.Procs.Process(pid)
	require.True(t, ok)
	assert.GreaterOrEqual(t, pcb.CpuTime, uint64(1))
	assert.Equal(t, proctable.ProcessReady, pcb.State)
}

func TestIPCWakesBlockedReceiver(t *testing.T) {
	k := boot(t)
	ctx := context.Background()

	a, _, err := k.SpawnProcess(ctx, sched.PriorityNormal, false, 0, systemCreds())
	require.Nil(t, err)
	b, _, err := k.SpawnProcess(ctx, sched.PriorityNormal, false, 0, systemCreds())
	require.Nil(t, err)

	require.Nil(t, k.BlockForMessage(b))
	pcb, ok := k.Procs.Process(b)
	require.True(t, ok)
	assert.Equal(t, proctable.ProcessBlocked, pcb.State)

	require.Nil(t, k.SendMessage(ctx, a, b, security.Control, []byte("hello")))

	pcb, ok = k.Procs.Process(b)
	require.True(t, ok)
	assert.Equal(t, proctable.ProcessReady, pcb.State)

	msg, err := k.ReceiveMessage(b)
	require.Nil(t, err)
	assert.Equal(t, "hello", string(msg.Bytes()))
	assert.Equal(t, uint64(0), msg.Sequence)
	assert.Equal(t, a, msg.Sender)
	assert.Equal(t, b, msg.Receiver)
	assert.Equal(t, security.Control, msg.Class)
}

func TestMandatoryAccessControlBlocksLowToHigh(t *testing.T) {
	k := boot(t)
	ctx := context.Background()

	low, _, err := k.SpawnProcess(ctx, sched.PriorityNormal, false, 0, security.Credentials{
		Label:        security.SecurityLabel{Level: security.Public},
		Capabilities: security.CapIPC,
		Isolation:    security.IsolationProcess,
	})
	require.Nil(t, err)
	high, _, err := k.SpawnProcess(ctx, sched.PriorityNormal, false, 0, systemCreds())
	require.Nil(t, err)

	err = k.SendMessage(ctx, low, high, security.Restricted, []byte("classified"))
	assert.NotNil(t, err)
}

func TestSendMessageQuarantinesVMIsolatedSenderOnViolation(t *testing.T) {
	k := boot(t)
	ctx := context.Background()

	low, _, err := k.SpawnProcess(ctx, sched.PriorityNormal, false, 0, security.Credentials{
		Label:        security.SecurityLabel{Level: security.Public},
		Capabilities: security.CapIPC,
		Isolation:    security.IsolationVirtualMachine,
	})
	require.Nil(t, err)
	high, _, err := k.SpawnProcess(ctx, sched.PriorityNormal, false, 0, systemCreds())
	require.Nil(t, err)

	err = k.SendMessage(ctx, low, high, security.Restricted, []byte("classified"))
	assert.NotNil(t, err)

	domain, err := k.Security.Lookup(low)
	require.Nil(t, err)
	assert.Equal(t, uint32(1), domain.QuarantineEvents)

	assert.NotNil(t, k.Security.EnforceIsolation(low))
}

func TestIsolationFaultTerminatesOnTick(t *testing.T) {
	k := boot(t)
	ctx := context.Background()

	pid, _, err := k.SpawnProcess(ctx, sched.PriorityNormal, false, 0, security.Credentials{
		Label:        security.SecurityLabel{Level: security.Confidential},
		Capabilities: security.CapIPC,
		Isolation:    security.IsolationVirtualMachine,
	})
	require.Nil(t, err)
	require.Nil(t, k.Security.Quarantine(pid))

	k.Tick(ctx)

	_, ok := k.Procs.Process(pid)
	assert.False(t, ok)
	_, err = k.Security.Lookup(pid)
	assert.NotNil(t, err)
}

func TestSchedulerFairnessAcrossThreeTicks(t *testing.T) {
	k := boot(t)
	ctx := context.Background()

	pids := make([]uint64, 3)
	for i := range pids {
		pid, _, err := k.SpawnProcess(ctx, sched.PriorityNormal, false, 0, systemCreds())
		require.Nil(t, err)
		pids[i] = pid
	}

	for _, pid := range pids {
		k.Tick(ctx)
		pcb, ok := k.Procs.Process(pid)
		require.True(t, ok)
		assert.Equal(t, uint64(1), pcb.CpuTime)
	}
}

func TestIdleCoreClearsStaleCurrentThread(t *testing.T) {
	k := boot(t)
	ctx := context.Background()

	pid, tid, err := k.SpawnInitialProcess(ctx, systemCreds())
	require.Nil(t, err)

	k.Tick(ctx)
	cores := k.CoreReport()
	require.True(t, cores[0].HasCurrent)
	assert.Equal(t, tid, cores[0].CurrentThread)

	require.Nil(t, k.TerminateProcess(ctx, pid))
	k.Tick(ctx)

	cores = k.CoreReport()
	assert.False(t, cores[0].HasCurrent)
	assert.Equal(t, uint64(0), cores[0].CurrentThread)
}

func TestReregisterProcessRequiresValidToken(t *testing.T) {
	k := boot(t)
	ctx := context.Background()
	tokens := auth.NewHMACTokenSrv([]byte("test-secret"))
	k.WithTokens(tokens)

	pid, _, err := k.SpawnProcess(ctx, sched.PriorityNormal, false, 0, security.Credentials{
		Label:        security.SecurityLabel{Level: security.Public},
		Capabilities: security.CapIPC,
		Isolation:    security.IsolationNone,
	})
	require.Nil(t, err)

	newCreds := systemCreds()
	token, err := tokens.MintReregistrationToken(pid, newCreds)
	require.Nil(t, err)

	require.Nil(t, k.ReregisterProcess(ctx, pid, token))
	domain, err := k.Security.Lookup(pid)
	require.Nil(t, err)
	assert.Equal(t, security.System, domain.Label.Level)

	forged, err := auth.NewHMACTokenSrv([]byte("other-secret")).MintReregistrationToken(pid, newCreds)
	require.Nil(t, err)
	assert.NotNil(t, k.ReregisterProcess(ctx, pid, forged))
}

func TestReregisterProcessWithoutTokenServiceFailsClosed(t *testing.T) {
	k := boot(t)
	ctx := context.Background()
	pid, _, err := k.SpawnInitialProcess(ctx, systemCreds())
	require.Nil(t, err)

	err = k.ReregisterProcess(ctx, pid, "irrelevant")
	assert.NotNil(t, err)
}

func TestTerminateProcessClearsEverything(t *testing.T) {
	k := boot(t)
	ctx := context.Background()

	pid, tid, err := k.SpawnInitialProcess(ctx, systemCreds())
	require.Nil(t, err)

	require.Nil(t, k.TerminateProcess(ctx, pid))

	_, ok := k.Procs.Process(pid)
	assert.False(t, ok)
	_, ok = k.Procs.Thread(tid)
	assert.False(t, ok)
	_, err = k.Security.Lookup(pid)
	assert.NotNil(t, err)
	assert.Equal(t, 0, k.Ring.RemoveProcess(pid))

	// Idempotent: terminating again is a no-op, not an error.
	assert.Nil(t, k.TerminateProcess(ctx, pid))
}

func TestBringUpSecondaryCoresBounded(t *testing.T) {
	k := boot(t)
	brought := k.BringUpSecondaryCores(2)
	assert.Equal(t, 2, brought)

	cores := k.CoreReport()
	online := 0
	for _, c := range cores {
		if c.Online {
			online++
		}
	}
	assert.Equal(t, 3, online) // core 0 plus 2 secondary

	// Small() config has 4 cores total; only one more is available.
	brought = k.BringUpSecondaryCores(5)
	assert.Equal(t, 1, brought)
}

func TestMallocFreeThroughFacade(t *testing.T) {
	k := boot(t)
	p, err := k.Malloc(64)
	require.Nil(t, err)
	require.Nil(t, k.Free(p))
}
