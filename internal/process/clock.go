package process

import "sync"

var (
	clkOnce sync.Once
	clkTck  float64
)

// ClockTicks returns the number of CPU ticks per second used for
// Info.CPUTicks, falling back to the common default of 100.
func ClockTicks() float64 {
	clkOnce.Do(func() {
		clk := clockTicks()
		if clk <= 0 {
			clk = 100
		}
		clkTck = float64(clk)
	})
	return clkTck
}
