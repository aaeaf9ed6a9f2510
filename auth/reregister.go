package auth

import (
	"fmt"

	"mirage/security"
)

// ReregisterTask verifies signedToken as a re-registration attestation
// and, if it is valid and addressed to pid, re-registers pid's L2
// domain with the credentials the token attests to. This is the
// entry point spec.md §3 means by "frozen thereafter except via
// explicit re-registration": unlike security.Kernel.RegisterTask
// itself, which any caller can invoke with arbitrary credentials, this
// path only proceeds once ts has verified the token was signed by
// whoever holds the shared secret.
func ReregisterTask(ts TokenSrv, sec *security.Kernel, pid uint64, signedToken string) error {
	claims, err := ts.VerifyReregistrationToken(signedToken)
	if err != nil {
		return err
	}
	if claims.Pid != pid {
		return fmt.Errorf("auth: reregistration token pid=%v does not match target pid=%v", claims.Pid, pid)
	}
	return sec.RegisterTask(pid, claims.Credentials())
}

// VerifyDeviceAccess verifies signedToken as a device attestation
// addressed to pid for exactly dev's security posture, ahead of a
// device.Registry.Read/Write call.
func VerifyDeviceAccess(ts TokenSrv, pid uint64, dev security.DeviceSecurity, signedToken string) error {
	claims, err := ts.VerifyDeviceAttestation(signedToken)
	if err != nil {
		return err
	}
	if claims.Pid != pid {
		return fmt.Errorf("auth: device attestation pid=%v does not match caller pid=%v", claims.Pid, pid)
	}
	if security.SecurityClass(claims.DeviceClass) != dev.Class || claims.RequiresKernel != dev.RequiresKernelMode {
		return fmt.Errorf("auth: device attestation does not match target device security posture")
	}
	return nil
}
