package agentsvc

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// collectMetrics reads /proc for a resource-usage snapshot: unlike the
// teacher's readCgroupValue (host-shared cgroups keyed by container ID),
// a zone is a full guest kernel with its own /proc, so there is exactly
// one "container" worth of usage to report: the whole guest.
func (a *Agent) collectMetrics() []byte {
	uptime := readFirstField("/proc/uptime")
	memTotal, memAvail := readMeminfo()
	loadAvg := readFirstField("/proc/loadavg")
	return []byte(fmt.Sprintf("uptime=%s mem_total_kb=%d mem_available_kb=%d load1=%s",
		uptime, memTotal, memAvail, loadAvg))
}

func readFirstField(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "0"
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "0"
	}
	return fields[0]
}

func readMeminfo() (total, available uint64) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		val, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = val
		case "MemAvailable:":
			available = val
		}
	}
	return total, available
}
