package docker

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// hostMemoryBytes reads the host's total memory from /proc/meminfo.
// Returns 0 on platforms without it; capacity values are advisory anyway.
func hostMemoryBytes() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()

	return parseMemTotal(f)
}

func parseMemTotal(r io.Reader) int64 {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// MemTotal:       16384000 kB
		if len(fields) >= 2 && fields[0] == "MemTotal:" {
			kb, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0
			}
			return kb << 10
		}
	}
	return 0
}
