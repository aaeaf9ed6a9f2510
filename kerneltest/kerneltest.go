// Package kerneltest boots a fully wired kernel.Kernel at reduced
// table capacities for fast, deterministic façade-level tests.
// Grounded on the corpus's test package: a Tstate struct embedding the
// booted system's client handle, built by a *testing.T-taking
// constructor (test.NewTstatePath) so failures surface through the
// caller's own *testing.T rather than a bare error return. Mirage has
// no realm/named hierarchy to dial into, so Tstate embeds a
// *kernel.Kernel directly instead of a SigmaClnt.
package kerneltest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"mirage/config"
	"mirage/kernel"
	"mirage/security"
)

// Tstate wraps a booted kernel.Kernel with the *testing.T that built
// it. Embedding *kernel.Kernel promotes every façade operation
// (SpawnProcess, Tick, SendMessage, ...) directly onto Tstate.
type Tstate struct {
	*kernel.Kernel
	T *testing.T
}

// NewTstate boots a kernel at config.Small()'s reduced capacities,
// failing the test immediately if bootstrap itself errors.
func NewTstate(t *testing.T) *Tstate {
	k := kernel.New(config.Small())
	require.Nil(t, k.Bootstrap(context.Background()))
	return &Tstate{Kernel: k, T: t}
}

// SystemCreds returns the fully privileged credential set (System
// level, all categories, every capability, process isolation) used by
// most façade-level tests that aren't exercising a security denial.
func SystemCreds() security.Credentials {
	return security.Credentials{
		Label:        security.SecurityLabel{Level: security.System, Categories: security.AllCategories},
		Capabilities: security.CapIPC | security.CapSpawn | security.CapKernelAccess | security.CapIO,
		Isolation:    security.IsolationProcess,
	}
}
