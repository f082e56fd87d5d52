//go:build !windows

package process

import sysconf "github.com/tklauser/go-sysconf"

// clockTicks reads SC_CLK_TCK.
func clockTicks() int64 {
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil {
		return 0
	}
	return clk
}
