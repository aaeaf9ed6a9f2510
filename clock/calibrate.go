package clock

import (
	"github.com/shirou/gopsutil/cpu"

	db "mirage/debug"
)

// CalibrateFromHost samples the host CPU's reported clock speed and
// uses it to set frequency_hz, then marks the clock calibrated. This
// is opt-in (SPEC_FULL.md §11): kernel.Bootstrap and clock.New default
// to a fixed, deterministic frequency so tests stay hermetic; a host
// embedding the kernel outside of tests may call this once at startup,
// mirroring sigmaos/cmd/user/memhog/main.go's use of the sibling
// gopsutil/process subpackage to sample live host state.
func (c *Clock) CalibrateFromHost() error {
	infos, err := cpu.Info()
	if err != nil {
		db.DPrintf(db.CLOCK, "CalibrateFromHost: cpu.Info error %v", err)
		return err
	}
	if len(infos) == 0 || infos[0].Mhz <= 0 {
		db.DPrintf(db.CLOCK, "CalibrateFromHost: no usable cpu.Info, keeping frequency=%v", c.Frequency())
		return nil
	}
	hz := uint64(infos[0].Mhz * 1_000_000)
	if err := c.SetFrequency(hz); err != nil {
		return err
	}
	c.MarkCalibrated()
	db.DPrintf(db.CLOCK, "CalibrateFromHost: frequency=%vHz (from %vMHz)", hz, infos[0].Mhz)
	return nil
}
