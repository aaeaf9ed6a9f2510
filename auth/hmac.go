package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"

	db "mirage/debug"
	"mirage/security"
)

const (
	defaultReregistrationTTL = time.Hour
	defaultAttestationTTL    = time.Minute
)

// TokenSrv mints and verifies the two capability token kinds this
// package supports.
type TokenSrv interface {
	MintReregistrationToken(pid uint64, creds security.Credentials) (string, error)
	VerifyReregistrationToken(signed string) (*ReregistrationClaims, error)
	MintDeviceAttestation(pid uint64, dev security.DeviceSecurity) (string, error)
	VerifyDeviceAttestation(signed string) (*DeviceAttestationClaims, error)
}

// HMACTokenSrv signs and verifies tokens with a shared secret, the
// same construction as sigmaos/auth/hmac.go's HMACAuthSrv.
type HMACTokenSrv struct {
	secret []byte
}

func NewHMACTokenSrv(secret []byte) *HMACTokenSrv {
	return &HMACTokenSrv{secret: secret}
}

func (as *HMACTokenSrv) MintReregistrationToken(pid uint64, creds security.Credentials) (string, error) {
	claims := newReregistrationClaims(pid, creds, defaultReregistrationTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(as.secret)
	if err != nil {
		db.DPrintf(db.AUTH_ERR, "MintReregistrationToken pid=%v: %v", pid, err)
		return "", err
	}
	return signed, nil
}

func (as *HMACTokenSrv) VerifyReregistrationToken(signed string) (*ReregistrationClaims, error) {
	claims := &ReregistrationClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, as.keyFunc)
	if err != nil {
		db.DPrintf(db.AUTH_ERR, "VerifyReregistrationToken: %v", err)
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid reregistration token")
	}
	return claims, nil
}

func (as *HMACTokenSrv) MintDeviceAttestation(pid uint64, dev security.DeviceSecurity) (string, error) {
	claims := newDeviceAttestationClaims(pid, dev, defaultAttestationTTL)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(as.secret)
	if err != nil {
		db.DPrintf(db.AUTH_ERR, "MintDeviceAttestation pid=%v: %v", pid, err)
		return "", err
	}
	return signed, nil
}

func (as *HMACTokenSrv) VerifyDeviceAttestation(signed string) (*DeviceAttestationClaims, error) {
	claims := &DeviceAttestationClaims{}
	token, err := jwt.ParseWithClaims(signed, claims, as.keyFunc)
	if err != nil {
		db.DPrintf(db.AUTH_ERR, "VerifyDeviceAttestation: %v", err)
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid device attestation token")
	}
	return claims, nil
}

func (as *HMACTokenSrv) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return as.secret, nil
}
