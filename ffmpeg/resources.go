package ffmpeg

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"ffcache/logger"
)

// throttle refuses new processes when the host is short on resources.
// A zero threshold disables that check.
type throttle struct {
	cpu      float64
	freeMem  int64
	freeDisk int64
}

// check verifies that the system has enough free resources to start a new job.
func (t throttle) check(diskPath string) error {
	if t.cpu > 0 {
		p, err := cpu.Percent(200*time.Millisecond, false)
		if err != nil {
			logger.Warnf("could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-t.cpu) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], t.cpu)
		}
	}

	if t.freeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			logger.Warnf("could not get memory usage: %v", err)
		} else if vm.Available < uint64(t.freeMem) {
			return fmt.Errorf("not enough free memory. Available: %s, Required: %s",
				humanize.IBytes(vm.Available), humanize.IBytes(uint64(t.freeMem)))
		}
	}

	if t.freeDisk > 0 && diskPath != "" {
		d, err := disk.Usage(diskPath)
		if err != nil {
			logger.Warnf("could not get disk usage for %s: %v", diskPath, err)
		} else if d.Free < uint64(t.freeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %s, Required: %s",
				humanize.IBytes(d.Free), humanize.IBytes(uint64(t.freeDisk)))
		}
	}
	return nil
}

// killTree kills pid and every descendant, children first.
func killTree(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		// already gone
		return nil
	}
	return killProcess(p)
}

func killProcess(p *process.Process) error {
	children, _ := p.Children()
	for _, c := range children {
		if err := killProcess(c); err != nil {
			logger.Debugf("kill child %d: %v", c.Pid, err)
		}
	}
	if err := p.Kill(); err != nil {
		if ok, _ := p.IsRunning(); !ok {
			return nil
		}
		return err
	}
	return nil
}
