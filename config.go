package dxlarm

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	defaultBaudRate      = 1000000
	defaultCyclePeriodMs = 50
)

// JointConfig describes one joint in the chain.
type JointConfig struct {
	Name      string `json:"name"`
	ID        int    `json:"id"`
	IsVirtual bool   `json:"is_virtual,omitempty"`
	// CurrentLimit is only read for the joint named "gripper", in mA.
	CurrentLimit float64 `json:"current_limit,omitempty"`
}

// Config is the arm component configuration.
type Config struct {
	USBPort       string        `json:"usb_port"`
	BaudRate      int           `json:"baud_rate,omitempty"`
	UseDummy      bool          `json:"use_dummy,omitempty"`
	TorqueOff     bool          `json:"torque_off,omitempty"`
	CyclePeriodMs int           `json:"cycle_period_ms,omitempty"`
	Joints        []JointConfig `json:"joints"`
}

// Validate checks the configuration and fills in defaults.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if len(cfg.Joints) == 0 {
		return nil, nil, fmt.Errorf("%s: at least one joint is required", path)
	}

	realJoints := 0
	seenNames := map[string]bool{}
	seenIDs := map[int]bool{}
	for _, jc := range cfg.Joints {
		if jc.Name == "" {
			return nil, nil, fmt.Errorf("%s: joint name is required", path)
		}
		if seenNames[jc.Name] {
			return nil, nil, fmt.Errorf("%s: duplicate joint name %q", path, jc.Name)
		}
		seenNames[jc.Name] = true

		if jc.IsVirtual {
			continue
		}
		realJoints++
		if jc.ID < 0 || jc.ID > 252 {
			return nil, nil, errors.Errorf("%s: joint %s id %d outside 0-252", path, jc.Name, jc.ID)
		}
		if seenIDs[jc.ID] {
			return nil, nil, errors.Errorf("%s: duplicate joint id %d", path, jc.ID)
		}
		seenIDs[jc.ID] = true
	}

	if realJoints == 0 && !cfg.UseDummy {
		return nil, nil, fmt.Errorf("%s: at least one non-virtual joint is required", path)
	}
	if cfg.USBPort == "" && !cfg.UseDummy {
		return nil, nil, fmt.Errorf("%s: usb_port is required", path)
	}

	if cfg.BaudRate == 0 {
		cfg.BaudRate = defaultBaudRate
	}
	if cfg.CyclePeriodMs <= 0 {
		cfg.CyclePeriodMs = defaultCyclePeriodMs
	}

	return nil, nil, nil
}
