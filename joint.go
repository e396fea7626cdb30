package dxlarm

import (
	"math"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// noGripperID marks a chain without a gripper joint. Protocol 2.0 unicast IDs
// stop at 252 (253 reserved, 254 broadcast), so 255 can never be a device ID.
const noGripperID uint8 = 255

// defaultGripperCurrentLimit is applied when a gripper joint carries no
// usable current_limit, in mA.
const defaultGripperCurrentLimit = 200.0

const gripperJointName = "gripper"

// Values holds one joint's position (rad), velocity (rad/s) and effort (mA)
// triple. State and command both use it.
type Values struct {
	Position float64
	Velocity float64
	Effort   float64
}

func nanValues() Values {
	nan := math.NaN()
	return Values{Position: nan, Velocity: nan, Effort: nan}
}

// Joint is one actuator slot in the chain. Virtual joints have no device
// behind them; their state mirrors their command.
type Joint struct {
	Name    string
	ID      uint8
	Virtual bool
	State   Values
	Command Values
}

// buildJoints partitions the configured joints into real and virtual sets,
// preserving configuration order within each, and picks out the gripper
// designation. All state and command values start as NaN.
func buildJoints(conf *Config, logger logging.Logger) (real, virtual []*Joint, gripperID uint8, gripperLimit float64, err error) {
	gripperID = noGripperID
	gripperLimit = defaultGripperCurrentLimit

	for _, jc := range conf.Joints {
		j := &Joint{
			Name:    jc.Name,
			ID:      uint8(jc.ID),
			Virtual: jc.IsVirtual,
			State:   nanValues(),
			Command: nanValues(),
		}
		if jc.IsVirtual {
			virtual = append(virtual, j)
			logger.Infof("virtual joint %s", jc.Name)
			continue
		}
		real = append(real, j)
		logger.Infof("joint %s <=> id %d", jc.Name, jc.ID)

		if jc.Name == gripperJointName {
			if gripperID != noGripperID {
				return nil, nil, 0, 0, errors.Errorf("multiple joints named %q", gripperJointName)
			}
			gripperID = j.ID
			if jc.CurrentLimit > 0 {
				gripperLimit = jc.CurrentLimit
			} else {
				logger.Warnf("gripper current limit missing or invalid, using default %.1f mA", defaultGripperCurrentLimit)
			}
			logger.Infof("gripper is id %d (current limit %.1f mA)", j.ID, gripperLimit)
		}
	}
	return real, virtual, gripperID, gripperLimit, nil
}
