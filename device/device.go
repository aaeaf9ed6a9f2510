// Package device describes the boundary spec.md §6 draws around the
// device collaborator: each driver exposes a kind, a name, a security
// posture, and read/write entry points, and the kernel checks that
// posture through security.Kernel.AuthorizeDeviceAccess before letting
// a call through. Grounded on memfs/dev.go's Dev interface (a small
// Read/Write contract wrapped by a struct that owns locking and
// bookkeeping the driver itself doesn't do), generalized here from a
// 9P file object to Mirage's pid-gated capability check. Every call
// also carries a signed device attestation, verified through
// mirage/auth before the capability check runs (spec.md §6's device
// driver boundary is one of the two crossings SPEC_FULL.md §11 names
// for JWT attestation).
package device

import (
	"errors"

	"mirage/auth"
	"mirage/security"
)

// ErrUnsupported is returned by a Driver's Read or Write when the
// operation named does not apply to it (spec.md §6: "Unsupported
// operations return an Unsupported error").
var ErrUnsupported = errors.New("device: unsupported operation")

// Kind names the category of a driver, matching spec.md §2's list of
// out-of-scope collaborators.
type Kind uint8

const (
	KindSerialConsole Kind = iota
	KindTimer
	KindBlockStore
)

func (k Kind) String() string {
	switch k {
	case KindSerialConsole:
		return "serial-console"
	case KindTimer:
		return "timer"
	case KindBlockStore:
		return "block-store"
	default:
		return "unknown"
	}
}

// Driver is the interface every device collaborator implements
// (spec.md §6: "kind, name, security = (class, requires_kernel_mode),
// read(buf)→n, write(data)→n").
type Driver interface {
	Kind() Kind
	Name() string
	Security() security.DeviceSecurity
	Read(buf []byte) (int, error)
	Write(data []byte) (int, error)
}

// Registry binds driver names to Driver implementations and gates
// every access through an attestation check followed by an L2
// security kernel check, mirroring how the corpus's memfs.Device wraps
// a raw Dev with a lock and version check the underlying implementation
// doesn't have to know about.
type Registry struct {
	sec     *security.Kernel
	tokens  auth.TokenSrv
	drivers map[string]Driver
}

func NewRegistry(sec *security.Kernel, tokens auth.TokenSrv) *Registry {
	return &Registry{sec: sec, tokens: tokens, drivers: make(map[string]Driver)}
}

// Register adds or replaces the driver known by name.
func (r *Registry) Register(drv Driver) {
	r.drivers[drv.Name()] = drv
}

func (r *Registry) lookup(name string) (Driver, error) {
	drv, ok := r.drivers[name]
	if !ok {
		return nil, ErrUnsupported
	}
	return drv, nil
}

func (r *Registry) authorize(pid uint64, drv Driver, signedAttestation string) error {
	if err := auth.VerifyDeviceAccess(r.tokens, pid, drv.Security(), signedAttestation); err != nil {
		return err
	}
	return r.sec.AuthorizeDeviceAccess(pid, drv.Security())
}

// Read verifies pid's device attestation and authorizes pid against
// name's security posture, then forwards to the driver's Read.
func (r *Registry) Read(pid uint64, name, signedAttestation string, buf []byte) (int, error) {
	drv, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	if err := r.authorize(pid, drv, signedAttestation); err != nil {
		return 0, err
	}
	return drv.Read(buf)
}

// Write verifies pid's device attestation and authorizes pid against
// name's security posture, then forwards to the driver's Write.
func (r *Registry) Write(pid uint64, name, signedAttestation string, data []byte) (int, error) {
	drv, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	if err := r.authorize(pid, drv, signedAttestation); err != nil {
		return 0, err
	}
	return drv.Write(data)
}
