package agentclient

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// hostInfo snapshots the host resources reported in every Hello frame, so
// the Hub can show capacity alongside each agent without a separate metrics
// channel.
type hostInfo struct {
	cpuCount int
	totalMem uint64
	freeDisk uint64
}

// collectHostInfo gathers host resource info for the Hello frame. Any
// individual probe failing yields a zero for that field rather than
// aborting the connection — stale or partial capacity info is better than
// refusing to connect.
func collectHostInfo(stagingRoot string) hostInfo {
	var info hostInfo

	if n, err := cpu.Counts(true); err == nil {
		info.cpuCount = n
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.totalMem = vm.Total
	}
	if du, err := disk.Usage(stagingRoot); err == nil {
		info.freeDisk = du.Free
	}

	return info
}
