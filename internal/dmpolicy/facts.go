package dmpolicy

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"
)

// HostFacts describe the machine the compositor runs on.
type HostFacts struct {
	CPUPercent        float64 `json:"cpu_percent"`
	ProcessCPUPercent float64 `json:"process_cpu_percent"`
	TemperatureC      float64 `json:"temperature_c"`
	Sensors           int     `json:"sensors"`
}

// Limits are the operator supplied thresholds the policies compare against.
type Limits struct {
	ThermalWarnC     float64 `json:"thermal_warn_c"`
	ThermalCriticalC float64 `json:"thermal_critical_c"`
	CPUBusyPercent   float64 `json:"cpu_busy_percent"`
}

// Display describes the panel as the selector currently sees it.
type Display struct {
	CurrentFps   float64 `json:"current_fps"`
	SupportedMin float64 `json:"supported_min"`
	SupportedMax float64 `json:"supported_max"`
}

// Input is the document evaluated by the rego policies.
type Input struct {
	Host    HostFacts `json:"host"`
	Display Display   `json:"display"`
	Limits  Limits    `json:"limits"`
}

// Collector gathers host facts.
type Collector interface {
	Collect(ctx context.Context) (HostFacts, error)
}

// HostCollector reads facts from the running system.
type HostCollector struct {
	self *process.Process
}

// NewHostCollector creates a collector that also samples this process.
func NewHostCollector() (*HostCollector, error) {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}
	return &HostCollector{self: self}, nil
}

// Collect samples CPU load and the hottest temperature sensor. Machines
// without sensors report a temperature of zero.
func (c *HostCollector) Collect(ctx context.Context) (HostFacts, error) {
	var facts HostFacts

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return facts, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percents) > 0 {
		facts.CPUPercent = percents[0]
	}

	if c.self != nil {
		if p, err := c.self.PercentWithContext(ctx, 0); err == nil {
			facts.ProcessCPUPercent = p
		}
	}

	// partial sensor reads come back alongside a warning error
	temps, _ := host.SensorsTemperaturesWithContext(ctx)
	for _, t := range temps {
		if t.Temperature <= 0 {
			continue
		}
		facts.Sensors++
		if t.Temperature > facts.TemperatureC {
			facts.TemperatureC = t.Temperature
		}
	}

	return facts, nil
}
