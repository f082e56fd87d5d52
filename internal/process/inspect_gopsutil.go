//go:build !linux

package process

import (
	"context"
	"fmt"
	"syscall"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

type gopsutilInspector struct{}

func newPlatformInspector() (Inspector, error) {
	return gopsutilInspector{}, nil
}

func (gopsutilInspector) Processes(ctx context.Context) (Table, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	clk := ClockTicks()
	t := make(Table, len(procs))
	for _, p := range procs {
		pid := int(p.Pid)
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			continue // exited mid-scan
		}
		info := Info{PID: pid, PPID: int(ppid)}
		info.PGID = groupOf(pid)
		if name, err := p.NameWithContext(ctx); err == nil {
			info.Name = name
		}
		if times, err := p.TimesWithContext(ctx); err == nil {
			info.CPUTicks = uint64((times.User + times.System) * clk)
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			info.RSSBytes = mem.RSS
		}
		t[pid] = info
	}
	return t, nil
}

func (gopsutilInspector) Listeners(ctx context.Context) ([]Listener, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("list sockets: %w", err)
	}
	var out []Listener
	for _, c := range conns {
		if c.Status != "LISTEN" {
			continue
		}
		proto := "tcp"
		if c.Family == syscall.AF_INET6 {
			proto = "tcp6"
		}
		out = append(out, Listener{Port: int(c.Laddr.Port), Protocol: proto, Address: c.Laddr.IP, PID: int(c.Pid)})
	}
	return out, nil
}
