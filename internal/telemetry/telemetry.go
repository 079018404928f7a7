// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry samples host power, memory, CPU, and temperature
// readings for the /telemetry/power endpoint. The core only renders
// readings; polling cadence is configuration.
package telemetry

import (
	"context"
	"math"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// =============================================================================
// TELEMETRY PAYLOAD
// =============================================================================

// PowerTelemetry is one sampled reading. Pointer fields are omitted as
// JSON null when the host cannot provide them.
type PowerTelemetry struct {
	Watts   *float64 `json:"watts"`
	Plugged *bool    `json:"plugged"`
	Percent *float64 `json:"percent"`
	Status  string   `json:"status"`
	Detail  string   `json:"detail,omitempty"`

	Timestamp string `json:"timestamp"`

	RAMUsedBytes  *uint64  `json:"ram_used_bytes"`
	RAMTotalBytes *uint64  `json:"ram_total_bytes"`
	RAMPercent    *float64 `json:"ram_percent"`

	CPUTempC   *float64 `json:"cpu_temp_c"`
	TempSource string   `json:"temp_source,omitempty"`

	CPUUsagePercent *float64 `json:"cpu_usage_percent"`

	PowerIdleWatts   float64  `json:"power_idle_watts"`
	PowerMaxWatts    float64  `json:"power_max_watts"`
	PowerUtilization *float64 `json:"power_utilization"`
}

// Reading statuses.
const (
	StatusOK          = "ok"
	StatusEstimated   = "estimated"
	StatusUnavailable = "unavailable"
)

// =============================================================================
// SAMPLER CONFIGURATION
// =============================================================================

// Config holds sampler options. The sysfs paths exist so tests can point
// the sampler at a fixture tree.
type Config struct {
	// IdleWatts and MaxWatts bound the CPU-load power estimate and the
	// utilization calculation. Defaults: 15 and 65.
	IdleWatts float64
	MaxWatts  float64

	PowerSupplyPath string // default /sys/class/power_supply
	HwmonPath       string // default /sys/class/hwmon
}

// DefaultConfig returns the default sampler configuration.
func DefaultConfig() Config {
	return Config{
		IdleWatts:       15,
		MaxWatts:        65,
		PowerSupplyPath: "/sys/class/power_supply",
		HwmonPath:       "/sys/class/hwmon",
	}
}

// =============================================================================
// SAMPLER
// =============================================================================

// Sampler produces telemetry readings. The probe functions default to
// gopsutil and are swappable in tests.
type Sampler struct {
	config Config

	cpuPercent func() *float64
	memory     func() (used, total uint64, percent float64, ok bool)
	temps      func() (value float64, source string, ok bool)
}

// NewSampler creates a sampler.
func NewSampler(config Config) *Sampler {
	if config.IdleWatts <= 0 {
		config.IdleWatts = 15
	}
	if config.MaxWatts <= 0 {
		config.MaxWatts = 65
	}
	if config.PowerSupplyPath == "" {
		config.PowerSupplyPath = "/sys/class/power_supply"
	}
	if config.HwmonPath == "" {
		config.HwmonPath = "/sys/class/hwmon"
	}

	return &Sampler{
		config:     config,
		cpuPercent: gopsutilCPUPercent,
		memory:     gopsutilMemory,
		temps:      gopsutilTemperature,
	}
}

// Sample takes one reading. It never fails: fields the host cannot
// provide stay null and the status/detail pair says why.
func (s *Sampler) Sample(ctx context.Context) PowerTelemetry {
	reading := PowerTelemetry{
		Status:         StatusUnavailable,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		PowerIdleWatts: s.config.IdleWatts,
		PowerMaxWatts:  s.config.MaxWatts,
	}

	if runtime.GOOS == "linux" {
		if plugged, percent, ok := s.readBattery(); ok {
			reading.Plugged = &plugged
			reading.Percent = &percent
		} else {
			reading.Detail = "Battery information unavailable"
		}
	} else {
		reading.Detail = "Battery sensors not supported on this platform"
	}

	var watts *float64
	if runtime.GOOS == "linux" {
		watts = s.readPowerSupplyWatts()
		if watts == nil {
			watts = s.readHwmonWatts()
		}
	}

	if watts == nil {
		if load := s.cpuPercent(); load != nil {
			estimated := s.estimateWatts(*load / 100)
			watts = &estimated
			reading.Status = StatusEstimated
			reading.Detail = "Estimated from CPU utilization"
		}
	}

	if watts != nil {
		rounded := round2(*watts)
		reading.Watts = &rounded
		if reading.Status != StatusEstimated {
			reading.Status = StatusOK
			reading.Detail = ""
		}
		if span := s.config.MaxWatts - s.config.IdleWatts; span > 0 {
			util := clamp01((*watts - s.config.IdleWatts) / span)
			reading.PowerUtilization = &util
		}
	} else if reading.Detail == "" {
		reading.Detail = "Power telemetry unavailable on this host."
	}

	if used, total, percent, ok := s.memory(); ok {
		p := round2(percent)
		reading.RAMUsedBytes = &used
		reading.RAMTotalBytes = &total
		reading.RAMPercent = &p
	}

	if usage := s.cpuPercent(); usage != nil {
		u := math.Round(*usage*10) / 10
		reading.CPUUsagePercent = &u
	}

	if value, source, ok := s.temps(); ok {
		v := math.Round(value*10) / 10
		reading.CPUTempC = &v
		reading.TempSource = source
	}

	return reading
}

// Poll samples at the given cadence until the context is cancelled,
// passing each reading to fn.
func (s *Sampler) Poll(ctx context.Context, interval time.Duration, fn func(PowerTelemetry)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		fn(s.Sample(ctx))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// estimateWatts interpolates between idle and max watts by CPU load.
func (s *Sampler) estimateWatts(load float64) float64 {
	span := s.config.MaxWatts - s.config.IdleWatts
	if span < 0 {
		span = 0
	}
	watts := s.config.IdleWatts + span*clamp01(load)
	if watts < 0 {
		watts = 0
	}
	return round2(watts)
}

// =============================================================================
// GOPSUTIL PROBES
// =============================================================================

func gopsutilCPUPercent() *float64 {
	usage, err := cpu.Percent(50*time.Millisecond, false)
	if err != nil || len(usage) == 0 {
		return nil
	}
	return &usage[0]
}

func gopsutilMemory() (uint64, uint64, float64, bool) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0, false
	}
	return vm.Used, vm.Total, vm.UsedPercent, true
}

// preferredTempSensors mirror the platform sensor keys worth trusting, in
// priority order.
var preferredTempSensors = []string{
	"coretemp",
	"k10temp",
	"cpu-thermal",
	"soc-thermal",
	"thermal-fan-est",
	"acpitz",
}

func gopsutilTemperature() (float64, string, bool) {
	temps, err := host.SensorsTemperatures()
	if err != nil || len(temps) == 0 {
		return 0, "", false
	}

	for _, key := range preferredTempSensors {
		for _, t := range temps {
			if strings.HasPrefix(t.SensorKey, key) && t.Temperature > 0 {
				return t.Temperature, key, true
			}
		}
	}
	for _, t := range temps {
		if t.Temperature > 0 {
			return t.Temperature, t.SensorKey, true
		}
	}
	return 0, "", false
}

// =============================================================================
// HELPERS
// =============================================================================

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
