package main

import (
	"strconv"
	"strings"
	"time"
)

// envValue renders a missing dotenv value as "-" and an empty one as "".
func envValue(v *string) string {
	if v == nil {
		return "-"
	}
	return strconv.Quote(*v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

func streamTag(stream string) string {
	if stream == "stderr" {
		return "ERR"
	}
	return "OUT"
}

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }
