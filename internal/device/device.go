// Package device resolves operation targets: it lists block devices, checks
// mount state and SMART health, probes free space, and builds the shell
// pipeline the engine supervises. The engine itself never touches devices.
package device

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"ddtui/internal/logring"
)

// Device is one attached block device as reported by lsblk.
type Device struct {
	Path  string
	Bytes uint64
	Model string
}

func (d Device) String() string {
	model := strings.TrimSpace(d.Model)
	if model == "" {
		model = "unknown model"
	}
	return fmt.Sprintf("%s (%s)", d.Path, model)
}

// ListDevices enumerates whole disks (no partitions) via lsblk.
func ListDevices() ([]Device, error) {
	out, err := exec.Command("lsblk", "-b", "-d", "-n", "-o", "NAME,SIZE,MODEL,TYPE").Output()
	if err != nil {
		return nil, fmt.Errorf("list block devices: %w", err)
	}
	return parseLsblk(string(out)), nil
}

func parseLsblk(out string) []Device {
	var devices []Device
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if fields[len(fields)-1] != "disk" {
			continue
		}
		size, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		model := ""
		if len(fields) > 3 {
			model = strings.Join(fields[2:len(fields)-1], " ")
		}
		devices = append(devices, Device{
			Path:  "/dev/" + fields[0],
			Bytes: size,
			Model: model,
		})
	}
	return devices
}

// IsMounted reports whether the device or any of its partitions appears in
// the mount table, and the first mount point found.
func IsMounted(devicePath string) (bool, string) {
	file, err := os.Open("/proc/mounts")
	if err != nil {
		return false, ""
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[0] == devicePath || strings.HasPrefix(fields[0], devicePath) {
			return true, fields[1]
		}
	}
	return false, ""
}

// FreeSpace returns the free bytes available to unprivileged users on the
// filesystem containing path.
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// CheckSmart runs a SMART health query and reports the outcome into the
// shared log. Missing smartctl or an unsupported device is a log note, not
// an error; the caller decides nothing based on it.
func CheckSmart(devicePath string, ring *logring.Ring) {
	smartctl, err := exec.LookPath("smartctl")
	if err != nil {
		ring.Warnf("smartctl not found; skipping SMART check for %s", devicePath)
		return
	}
	out, err := exec.Command(smartctl, "-H", devicePath).CombinedOutput()
	text := string(out)
	switch {
	case strings.Contains(text, "PASSED"):
		ring.Infof("SMART health check PASSED for %s", devicePath)
	case strings.Contains(text, "FAILED"):
		ring.Errorf("SMART health check FAILED for %s", devicePath)
	case err != nil:
		ring.Warnf("SMART status unavailable for %s: %v", devicePath, err)
	default:
		ring.Warnf("SMART status inconclusive for %s", devicePath)
	}
}
