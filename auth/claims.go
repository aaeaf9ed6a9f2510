// Package auth mints and verifies HMAC-signed capability tokens for
// the two boundaries spec.md calls out as crossing trust outside the
// in-process L2 domain table: explicit credential re-registration
// (spec.md §3: "Credentials ... frozen thereafter except via explicit
// re-registration") and the device driver boundary of spec.md §6.
//
// Grounded directly on sigmaos/auth/hmac.go and sigmaos/auth/key.go,
// which use the same github.com/golang-jwt/jwt v3 API.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"

	"mirage/security"
)

const Issuer = "mirage"

// ReregistrationClaims carries the credentials a pid's domain is to be
// re-registered with, signed by whoever holds the token service's
// shared secret.
type ReregistrationClaims struct {
	Pid          uint64 `json:"pid"`
	Level        uint8  `json:"level"`
	Categories   uint32 `json:"categories"`
	Capabilities uint8  `json:"capabilities"`
	Isolation    uint8  `json:"isolation"`
	jwt.StandardClaims
}

func (c *ReregistrationClaims) String() string {
	return fmt.Sprintf("&{pid:%v level:%v categories:%v capabilities:%v isolation:%v}",
		c.Pid, c.Level, c.Categories, c.Capabilities, c.Isolation)
}

func newReregistrationClaims(pid uint64, creds security.Credentials, ttl time.Duration) *ReregistrationClaims {
	return &ReregistrationClaims{
		Pid:          pid,
		Level:        uint8(creds.Label.Level),
		Categories:   creds.Label.Categories,
		Capabilities: uint8(creds.Capabilities),
		Isolation:    uint8(creds.Isolation),
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(ttl).Unix(),
			Issuer:    Issuer,
		},
	}
}

// Credentials reconstructs the security.Credentials the claims attest to.
func (c *ReregistrationClaims) Credentials() security.Credentials {
	return security.Credentials{
		Label:        security.SecurityLabel{Level: security.SecurityLevel(c.Level), Categories: c.Categories},
		Capabilities: security.CapabilitySet(c.Capabilities),
		Isolation:    security.IsolationLevel(c.Isolation),
	}
}

// DeviceAttestationClaims lets a driver verify a task's device-access
// authorization offline, without calling back into the kernel, for
// the duration of the token's validity (spec.md §6).
type DeviceAttestationClaims struct {
	Pid              uint64 `json:"pid"`
	DeviceClass      uint8  `json:"device_class"`
	RequiresKernel   bool   `json:"requires_kernel"`
	jwt.StandardClaims
}

func newDeviceAttestationClaims(pid uint64, dev security.DeviceSecurity, ttl time.Duration) *DeviceAttestationClaims {
	return &DeviceAttestationClaims{
		Pid:            pid,
		DeviceClass:    uint8(dev.Class),
		RequiresKernel: dev.RequiresKernelMode,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(ttl).Unix(),
			Issuer:    Issuer,
		},
	}
}
