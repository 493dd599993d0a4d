// SPDX-License-Identifier: MIT

// Package hci discovers the local Bluetooth HCI controllers available to
// host an LE Audio unicast group, by scanning sysfs without opening any
// device node.
//
// The scan-sysfs-without-opening-the-device approach and the precompiled
// validation regexp are retargeted from USB port path validation to
// /sys/class/bluetooth/hciN controller entries.
package hci

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// hciNameRegex matches a controller's sysfs directory name: "hci" followed
// by its controller index.
var hciNameRegex = regexp.MustCompile(`^hci([0-9]+)$`)

// Controller describes one local HCI controller discovered via sysfs.
type Controller struct {
	Index int // controller index (the N in hciN)
	Address string // BD_ADDR, upper-case colon-separated
	Name string // sysfs "name" attribute, if present
	Up bool // true unless an rfkill switch under the controller's sysfs entry reports it blocked
}

// IsValidControllerName reports whether name matches the hciN directory
// naming convention.
func IsValidControllerName(name string) bool {
	return hciNameRegex.MatchString(name)
}

// Discover scans sysfsPath (normally "/sys/class/bluetooth") for HCI
// controller entries and returns one Controller per entry found, sorted by
// index ascending.
func Discover(sysfsPath string) ([]Controller, error) {
	if _, err := os.Stat(sysfsPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("hci: sysfs path not found: %s", sysfsPath)
	}

	entries, err := os.ReadDir(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("hci: failed to read sysfs directory: %w", err)
	}

	var controllers []Controller
	for _, entry := range entries {
		name := entry.Name()
		m := hciNameRegex.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		devicePath := filepath.Join(sysfsPath, name)
		ctrl := Controller{Index: idx}
		ctrl.Address = readAddress(devicePath)
		if b, err := os.ReadFile(filepath.Join(devicePath, "name")); err == nil {
			ctrl.Name = strings.TrimSpace(string(b))
		}
		ctrl.Up = rfkillUnblocked(devicePath)
		controllers = append(controllers, ctrl)
	}

	for i := 0; i < len(controllers); i++ {
		for j := i + 1; j < len(controllers); j++ {
			if controllers[j].Index < controllers[i].Index {
				controllers[i], controllers[j] = controllers[j], controllers[i]
			}
		}
	}
	return controllers, nil
}

// readAddress reads a controller's BD_ADDR from its sysfs "address" file.
func readAddress(devicePath string) string {
	b, err := os.ReadFile(filepath.Join(devicePath, "address"))
	if err != nil {
		return ""
	}
	return strings.ToUpper(strings.TrimSpace(string(b)))
}

// rfkillUnblocked reports whether the controller's associated rfkill switch
// (if any) is unblocked, i.e. every readable rfkill "state" file holds 1
// (0 is soft-blocked, 2 is hard-blocked). A controller without an rfkill
// entry is treated as unblocked.
func rfkillUnblocked(devicePath string) bool {
	rfkillDir := filepath.Join(devicePath, "rfkill")
	entries, err := os.ReadDir(rfkillDir)
	if err != nil {
		return true
	}
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(rfkillDir, e.Name(), "state"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(b)) != "1" {
			return false
		}
	}
	return true
}

// ByIndex finds a discovered controller by its index.
func ByIndex(controllers []Controller, index int) (Controller, bool) {
	for _, c := range controllers {
		if c.Index == index {
			return c, true
		}
	}
	return Controller{}, false
}
