//go:build linux

package process

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/procfs"
)

// tcpListen is the kernel's TCP_LISTEN state in /proc/net/tcp.
const tcpListen = 0x0A

type procfsInspector struct {
	fs procfs.FS
}

func newPlatformInspector() (Inspector, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &procfsInspector{fs: fs}, nil
}

func (i *procfsInspector) Processes(ctx context.Context) (Table, error) {
	procs, err := i.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	t := make(Table, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		st, err := p.Stat()
		if err != nil {
			continue // exited mid-scan
		}
		t[p.PID] = Info{
			PID:      p.PID,
			PPID:     st.PPID,
			PGID:     st.PGRP,
			Name:     st.Comm,
			CPUTicks: uint64(st.UTime) + uint64(st.STime),
			RSSBytes: uint64(st.ResidentMemory()),
		}
	}
	return t, nil
}

type socket struct {
	port     int
	protocol string
	address  string
	owners   []int
}

func (i *procfsInspector) Listeners(ctx context.Context) ([]Listener, error) {
	byInode := make(map[uint64]*socket)
	var order []uint64

	tcp4, err4 := i.fs.NetTCP()
	tcp6, err6 := i.fs.NetTCP6()
	if err4 != nil && err6 != nil {
		return nil, fmt.Errorf("read tcp tables: %w", errors.Join(err4, err6))
	}
	for _, l := range tcp4 {
		if l.St == tcpListen {
			byInode[l.Inode] = &socket{port: int(l.LocalPort), protocol: "tcp", address: l.LocalAddr.String()}
			order = append(order, l.Inode)
		}
	}
	for _, l := range tcp6 {
		if l.St == tcpListen {
			byInode[l.Inode] = &socket{port: int(l.LocalPort), protocol: "tcp6", address: l.LocalAddr.String()}
			order = append(order, l.Inode)
		}
	}
	if len(byInode) == 0 {
		return nil, nil
	}

	procs, err := i.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		targets, err := p.FileDescriptorTargets()
		if err != nil {
			continue // other user's process or exited
		}
		for _, target := range targets {
			inode, ok := socketInode(target)
			if !ok {
				continue
			}
			if s := byInode[inode]; s != nil && !containsInt(s.owners, p.PID) {
				s.owners = append(s.owners, p.PID)
			}
		}
	}

	out := make([]Listener, 0, len(order))
	for _, inode := range order {
		s := byInode[inode]
		if len(s.owners) == 0 {
			out = append(out, Listener{Port: s.port, Protocol: s.protocol, Address: s.address})
			continue
		}
		for _, pid := range s.owners {
			out = append(out, Listener{Port: s.port, Protocol: s.protocol, Address: s.address, PID: pid})
		}
	}
	return out, nil
}

// socketInode parses fd link targets of the form "socket:[12345]".
func socketInode(target string) (uint64, bool) {
	if !strings.HasPrefix(target, "socket:[") || !strings.HasSuffix(target, "]") {
		return 0, false
	}
	n, err := strconv.ParseUint(target[len("socket:["):len(target)-1], 10, 64)
	return n, err == nil
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
