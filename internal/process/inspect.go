package process

import (
	"context"
	"sort"
)

// DefaultTreeDepth bounds parent-pid walks.
const DefaultTreeDepth = 3

// Info is one row of the system process table.
type Info struct {
	PID      int
	PPID     int
	PGID     int
	Name     string
	CPUTicks uint64 // cumulative user+system ticks
	RSSBytes uint64
}

// Table is a point-in-time process table keyed by pid.
type Table map[int]Info

// Listener is a listening TCP socket. PID is 0 when the owner could not be
// determined (typically a process of another user).
type Listener struct {
	Port     int
	Protocol string
	Address  string
	PID      int
}

// Inspector reads the OS process table and listening sockets. Implementations
// skip processes that vanish mid-read instead of failing.
type Inspector interface {
	Processes(ctx context.Context) (Table, error)
	Listeners(ctx context.Context) ([]Listener, error)
}

// Tree returns root followed by the processes attributed to it.
//
// The process group is authoritative: when root leads its own group (the
// supervisor spawns with Setpgid) the tree is every member of that group.
// Otherwise it falls back to a parent-pid walk bounded by depth. Returns nil
// when root is not in the table.
func (t Table) Tree(root int, depth int) []int {
	info, ok := t[root]
	if !ok {
		return nil
	}
	if info.PGID == root {
		return t.GroupMembers(root)
	}
	return append([]int{root}, t.Descendants(root, depth)...)
}

// GroupMembers returns the members of process group pgid, leader first.
func (t Table) GroupMembers(pgid int) []int {
	var rest []int
	leader := false
	for pid, info := range t {
		if info.PGID != pgid {
			continue
		}
		if pid == pgid {
			leader = true
			continue
		}
		rest = append(rest, pid)
	}
	sort.Ints(rest)
	if leader {
		return append([]int{pgid}, rest...)
	}
	return rest
}

// Descendants walks parent links breadth-first up to depth levels below root.
// depth <= 0 selects DefaultTreeDepth.
func (t Table) Descendants(root int, depth int) []int {
	if depth <= 0 {
		depth = DefaultTreeDepth
	}
	children := make(map[int][]int)
	for pid, info := range t {
		if pid != info.PPID {
			children[info.PPID] = append(children[info.PPID], pid)
		}
	}
	var out []int
	seen := map[int]bool{root: true}
	level := []int{root}
	for d := 0; d < depth && len(level) > 0; d++ {
		var next []int
		for _, p := range level {
			kids := children[p]
			sort.Ints(kids)
			for _, k := range kids {
				if seen[k] {
					continue
				}
				seen[k] = true
				out = append(out, k)
				next = append(next, k)
			}
		}
		level = next
	}
	return out
}

// Usage sums CPU ticks and resident memory over pids present in the table.
func (t Table) Usage(pids []int) (ticks uint64, rss uint64) {
	for _, pid := range pids {
		if info, ok := t[pid]; ok {
			ticks += info.CPUTicks
			rss += info.RSSBytes
		}
	}
	return ticks, rss
}

// NewInspector returns the inspector for the running platform.
func NewInspector() (Inspector, error) {
	return newPlatformInspector()
}
