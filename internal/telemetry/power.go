// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// =============================================================================
// SYSFS POWER READERS
// =============================================================================

// readPowerSupplyWatts reads instantaneous draw from the first battery
// under the power-supply tree. power_now reports microwatts directly;
// otherwise current_now times voltage_now (µA × µV) is used.
func (s *Sampler) readPowerSupplyWatts() *float64 {
	entries, err := os.ReadDir(s.config.PowerSupplyPath)
	if err != nil {
		return nil
	}

	var batteries []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "BAT") || strings.Contains(strings.ToLower(name), "battery") {
			batteries = append(batteries, name)
		}
	}
	if len(batteries) == 0 {
		return nil
	}
	sort.Strings(batteries)
	root := filepath.Join(s.config.PowerSupplyPath, batteries[0])

	if power, ok := readNumberFile(filepath.Join(root, "power_now")); ok {
		watts := round2(power / 1e6)
		return &watts
	}

	current, ok := readNumberFile(filepath.Join(root, "current_now"))
	if !ok {
		return nil
	}
	voltage, ok := readNumberFile(filepath.Join(root, "voltage_now"))
	if !ok {
		return nil
	}
	watts := round2(current * voltage / 1e12)
	return &watts
}

// readHwmonWatts scans hwmon devices for a positive power*_input reading,
// reported in microwatts.
func (s *Sampler) readHwmonWatts() *float64 {
	entries, err := os.ReadDir(s.config.HwmonPath)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		root := filepath.Join(s.config.HwmonPath, name)
		files, err := os.ReadDir(root)
		if err != nil {
			continue
		}

		var powerFiles []string
		for _, f := range files {
			fn := f.Name()
			if strings.HasPrefix(fn, "power") && strings.HasSuffix(fn, "_input") {
				powerFiles = append(powerFiles, fn)
			}
		}
		sort.Strings(powerFiles)

		for _, pf := range powerFiles {
			value, ok := readNumberFile(filepath.Join(root, pf))
			if !ok || value <= 0 {
				continue
			}
			watts := round2(value / 1e6)
			return &watts
		}
	}
	return nil
}

// readBattery reports charger state and charge percent from the first
// battery under the power-supply tree.
func (s *Sampler) readBattery() (plugged bool, percent float64, ok bool) {
	entries, err := os.ReadDir(s.config.PowerSupplyPath)
	if err != nil {
		return false, 0, false
	}

	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "BAT") && !strings.Contains(strings.ToLower(name), "battery") {
			continue
		}
		root := filepath.Join(s.config.PowerSupplyPath, name)

		capacity, capOK := readNumberFile(filepath.Join(root, "capacity"))
		if !capOK {
			continue
		}

		status, err := os.ReadFile(filepath.Join(root, "status"))
		if err != nil {
			return false, capacity, true
		}
		switch strings.TrimSpace(string(status)) {
		case "Charging", "Full", "Not charging":
			plugged = true
		}
		return plugged, capacity, true
	}
	return false, 0, false
}

// readNumberFile parses a single numeric sysfs value.
func readNumberFile(path string) (float64, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
