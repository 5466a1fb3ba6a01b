//go:build linux

package rt

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// cpuSetSize is the number of CPUs a unix.CPUSet can hold (glibc CPU_SETSIZE).
const cpuSetSize = int(unsafe.Sizeof(unix.CPUSet{})) * 8

func lockMemory() error {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		return fmt.Errorf("locking memory: %w", err)
	}
	return nil
}

func setNice(nice int) error {
	if nice < -20 || nice > 19 {
		return fmt.Errorf("niceness %d out of range", nice)
	}
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, nice); err != nil {
		return fmt.Errorf("setting niceness: %w", err)
	}
	return nil
}

func setAffinity(cpu int) error {
	if cpu < 0 || cpu >= cpuSetSize {
		return fmt.Errorf("cpu %d out of range", cpu)
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)

	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("setting cpu affinity: %w", err)
	}
	return nil
}
