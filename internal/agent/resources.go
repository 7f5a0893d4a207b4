package agent

import (
	"fmt"
	"strconv"
	"strings"
)

// memoryUnits is ordered longest suffix first so "mb" wins over "b".
var memoryUnits = []struct { //nolint:gochecknoglobals // lookup table
	suffix     string
	multiplier int64
}{
	{"gb", 1 << 30}, {"mb", 1 << 20}, {"kb", 1 << 10},
	{"g", 1 << 30}, {"m", 1 << 20}, {"k", 1 << 10},
	{"b", 1},
}

// parseMemoryLimit parses an engine container memory limit such as "2g",
// "512mb" or "1048576" into bytes. Empty or "0" means unlimited.
func parseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	multiplier := int64(1)
	for _, u := range memoryUnits {
		if strings.HasSuffix(s, u.suffix) {
			multiplier = u.multiplier
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			break
		}
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parseMemoryLimit(%q): %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("parseMemoryLimit(%q): negative limit", s)
	}

	return val * multiplier, nil
}

// parseCPULimit converts a CPU count ("2", "0.5") to a Docker CPU quota over
// the default 100000µs period.
func parseCPULimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parseCPULimit(%q): %w", s, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("parseCPULimit(%q): negative limit", s)
	}

	const cpuPeriod = 100000
	return int64(val * cpuPeriod), nil
}
