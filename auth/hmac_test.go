package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mirage/auth"
	"mirage/security"
)

func TestReregistrationTokenRoundTrip(t *testing.T) {
	as := auth.NewHMACTokenSrv([]byte("test-secret"))
	creds := security.Credentials{
		Label:        security.SecurityLabel{Level: security.Confidential, Categories: 0b101},
		Capabilities: security.CapIPC | security.CapSpawn,
		Isolation:    security.IsolationProcess,
	}
	tok, err := as.MintReregistrationToken(7, creds)
	assert.Nil(t, err)
	assert.NotEmpty(t, tok)

	claims, err := as.VerifyReregistrationToken(tok)
	assert.Nil(t, err)
	assert.Equal(t, uint64(7), claims.Pid)
	got := claims.Credentials()
	assert.Equal(t, creds, got)
}

func TestReregistrationTokenWrongSecret(t *testing.T) {
	as := auth.NewHMACTokenSrv([]byte("secret-a"))
	other := auth.NewHMACTokenSrv([]byte("secret-b"))
	tok, err := as.MintReregistrationToken(1, security.Credentials{})
	assert.Nil(t, err)
	_, err = other.VerifyReregistrationToken(tok)
	assert.NotNil(t, err)
}

func TestDeviceAttestationRoundTrip(t *testing.T) {
	as := auth.NewHMACTokenSrv([]byte("test-secret"))
	dev := security.DeviceSecurity{Class: security.ClassSystem, RequiresKernelMode: true}
	tok, err := as.MintDeviceAttestation(3, dev)
	assert.Nil(t, err)

	claims, err := as.VerifyDeviceAttestation(tok)
	assert.Nil(t, err)
	assert.Equal(t, uint64(3), claims.Pid)
	assert.Equal(t, uint8(security.ClassSystem), claims.DeviceClass)
	assert.True(t, claims.RequiresKernel)
}
