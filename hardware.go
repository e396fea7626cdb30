package dxlarm

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// ControlMode is the chain-wide (or gripper-local) operating mode.
type ControlMode int

const (
	ControlModeUnknown ControlMode = iota
	ControlModePosition
	ControlModeVelocity
	ControlModeCurrentBasedPosition
)

func (m ControlMode) String() string {
	switch m {
	case ControlModePosition:
		return "position"
	case ControlModeVelocity:
		return "velocity"
	case ControlModeCurrentBasedPosition:
		return "current_based_position"
	default:
		return "unknown"
	}
}

var errEffortControl = errors.New("effort control is not implemented")

// Hardware owns one actuator chain: the joint registry, the torque and
// control-mode state machine, and the periodic read/write cycle. The
// unexported methods assume the caller holds mu; the exported surface locks.
type Hardware struct {
	mu     sync.Mutex
	logger logging.Logger
	wb     Workbench

	all           []*Joint // config order, real and virtual interleaved
	joints        []*Joint // real joints, config order
	virtualJoints []*Joint
	jointIDs      []uint8
	byName        map[string]*Joint

	gripperID           uint8
	gripperCurrentLimit float64

	useDummy  bool
	torqueOff bool

	torqueEnabled      bool
	controlMode        ControlMode
	gripperControlMode ControlMode

	presentPositionItem ControlItem
	presentVelocityItem ControlItem
	presentCurrentItem  ControlItem

	goalPositionIndex int
	goalVelocityIndex int
	presentIndex      int
}

// NewHardware builds the joint registry from conf. wb may be nil when
// conf.UseDummy is set.
func NewHardware(conf *Config, wb Workbench, logger logging.Logger) (*Hardware, error) {
	real, virtual, gripperID, gripperLimit, err := buildJoints(conf, logger)
	if err != nil {
		return nil, err
	}

	hw := &Hardware{
		logger:              logger,
		wb:                  wb,
		joints:              real,
		virtualJoints:       virtual,
		byName:              map[string]*Joint{},
		gripperID:           gripperID,
		gripperCurrentLimit: gripperLimit,
		useDummy:            conf.UseDummy,
		torqueOff:           conf.TorqueOff,
		controlMode:         ControlModePosition,
	}
	for _, jc := range conf.Joints {
		var j *Joint
		for _, cand := range real {
			if cand.Name == jc.Name {
				j = cand
			}
		}
		for _, cand := range virtual {
			if cand.Name == jc.Name {
				j = cand
			}
		}
		hw.all = append(hw.all, j)
		hw.byName[j.Name] = j
	}
	for _, j := range real {
		hw.jointIDs = append(hw.jointIDs, j.ID)
	}
	return hw, nil
}

// Configure brings the chain to a known state: every device answers a ping,
// torque is off, position control is established (the gripper on
// current-based position control), and the sync channels are registered.
// Any failure here is fatal.
func (hw *Hardware) Configure() error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.configure()
}

func (hw *Hardware) configure() error {
	if hw.useDummy {
		if hw.gripperID != noGripperID {
			hw.gripperControlMode = ControlModeCurrentBasedPosition
		}
		hw.logger.Info("dummy mode, skipping device setup")
		return nil
	}

	for _, j := range hw.joints {
		model, err := hw.wb.Ping(j.ID)
		if err != nil {
			return errors.Wrapf(err, "failed to ping joint %s", j.Name)
		}
		hw.logger.Infof("joint %s (id %d) model %d", j.Name, j.ID, model)
	}

	if err := hw.enableTorque(false); err != nil {
		return err
	}
	if err := hw.setControlMode(ControlModePosition, true); err != nil {
		return err
	}
	if !hw.torqueOff {
		if err := hw.enableTorque(true); err != nil {
			return err
		}
	}

	return hw.resolveControlItems()
}

// resolveControlItems looks every needed register up on the first device,
// falling back through legacy aliases, and registers the goal write channels
// and the contiguous present-state read window.
func (hw *Hardware) resolveControlItems() error {
	id := hw.jointIDs[0]
	lookup := func(names ...string) (ControlItem, error) {
		for _, name := range names {
			if item, ok := hw.wb.ItemInfo(id, name); ok {
				return item, nil
			}
		}
		return ControlItem{}, errors.Errorf("control item %s not found for id %d", names[0], id)
	}

	goalPosition, err := lookup(itemGoalPosition)
	if err != nil {
		return err
	}
	goalVelocity, err := lookup(goalVelocityNames...)
	if err != nil {
		return err
	}
	if hw.presentPositionItem, err = lookup(itemPresentPosition); err != nil {
		return err
	}
	if hw.presentVelocityItem, err = lookup(presentVelocityNames...); err != nil {
		return err
	}
	if hw.presentCurrentItem, err = lookup(presentCurrentNames...); err != nil {
		return err
	}

	if hw.goalPositionIndex, err = hw.wb.AddSyncWriteHandler(goalPosition.Address, goalPosition.Length); err != nil {
		return errors.Wrap(err, "failed to add goal position write handler")
	}
	if hw.goalVelocityIndex, err = hw.wb.AddSyncWriteHandler(goalVelocity.Address, goalVelocity.Length); err != nil {
		return errors.Wrap(err, "failed to add goal velocity write handler")
	}

	// The present position/velocity/current items sit in one window. Two
	// bytes of slack cover the inter-item gap on X-series tables.
	start := hw.presentPositionItem.Address
	if hw.presentCurrentItem.Address < start {
		start = hw.presentCurrentItem.Address
	}
	length := hw.presentPositionItem.Length + hw.presentVelocityItem.Length + hw.presentCurrentItem.Length + 2
	if hw.presentIndex, err = hw.wb.AddSyncReadHandler(start, length); err != nil {
		return errors.Wrap(err, "failed to add present state read handler")
	}
	return nil
}

// Start defaults any still-unobserved state to zero and runs one
// read/reset/write pass so commands hold the current pose.
func (hw *Hardware) Start() error {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	for _, j := range hw.virtualJoints {
		if math.IsNaN(j.State.Position) {
			j.State = Values{}
		}
	}
	if hw.useDummy {
		for _, j := range hw.joints {
			if math.IsNaN(j.State.Position) {
				j.State = Values{}
			}
		}
	}

	hw.read()
	hw.resetCommand()
	return hw.write()
}

func (hw *Hardware) Stop() {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.logger.Debug("stopping control cycle")
}

// Cycle runs one read/write pass. Runtime read trouble degrades (state keeps
// its last good values); mode transition failures and effort commands fail.
func (hw *Hardware) Cycle() error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.read()
	return hw.write()
}

// read fetches the present window for the whole chain and updates joint
// state. Each quantity is extracted independently; whatever fails is logged
// and the previous values stay in place.
func (hw *Hardware) read() {
	if hw.useDummy {
		return
	}

	if err := hw.wb.SyncRead(hw.presentIndex, hw.jointIDs); err != nil {
		hw.logger.Warnf("present state read failed: %v", err)
	}

	if currents, err := hw.wb.SyncReadData(hw.presentIndex, hw.jointIDs, hw.presentCurrentItem.Address, hw.presentCurrentItem.Length); err != nil {
		hw.logger.Warnf("present current extraction failed: %v", err)
	} else {
		for i, j := range hw.joints {
			j.State.Effort = hw.wb.ValueToCurrent(currents[i])
		}
	}

	if velocities, err := hw.wb.SyncReadData(hw.presentIndex, hw.jointIDs, hw.presentVelocityItem.Address, hw.presentVelocityItem.Length); err != nil {
		hw.logger.Warnf("present velocity extraction failed: %v", err)
	} else {
		for i, j := range hw.joints {
			j.State.Velocity = hw.wb.ValueToVelocity(j.ID, velocities[i])
		}
	}

	if positions, err := hw.wb.SyncReadData(hw.presentIndex, hw.jointIDs, hw.presentPositionItem.Address, hw.presentPositionItem.Length); err != nil {
		hw.logger.Warnf("present position extraction failed: %v", err)
	} else {
		for i, j := range hw.joints {
			j.State.Position = hw.wb.ValueToRadian(j.ID, positions[i])
		}
	}
}

// write pushes commands to the chain. The whole batch runs in one mode: any
// nonzero velocity command selects velocity control, otherwise any nonzero
// effort command is rejected, otherwise position control.
func (hw *Hardware) write() error {
	for _, j := range hw.virtualJoints {
		j.State = j.Command
	}

	if hw.useDummy {
		for _, j := range hw.joints {
			j.State.Position = j.Command.Position
		}
		return nil
	}

	// Mode transitions re-seat commands when they restore torque, so the
	// batched payload is built from a snapshot taken before any transition.
	commands := make([]Values, len(hw.joints))
	velocityCommanded := false
	effortCommanded := false
	for i, j := range hw.joints {
		commands[i] = j.Command
		if j.Command.Velocity != 0 {
			velocityCommanded = true
		}
		if j.Command.Effort != 0 {
			effortCommanded = true
		}
	}

	if velocityCommanded {
		if err := hw.setControlMode(ControlModeVelocity, false); err != nil {
			return err
		}
		values := make([]int32, len(hw.joints))
		for i, j := range hw.joints {
			values[i] = hw.wb.VelocityToValue(j.ID, commands[i].Velocity)
		}
		if err := hw.wb.SyncWrite(hw.goalVelocityIndex, hw.jointIDs, values); err != nil {
			hw.logger.Warnf("goal velocity write failed: %v", err)
		}
		return nil
	}

	if effortCommanded {
		return errEffortControl
	}

	if err := hw.setControlMode(ControlModePosition, false); err != nil {
		return err
	}
	values := make([]int32, len(hw.joints))
	for i, j := range hw.joints {
		values[i] = hw.wb.RadianToValue(j.ID, commands[i].Position)
	}
	if err := hw.wb.SyncWrite(hw.goalPositionIndex, hw.jointIDs, values); err != nil {
		hw.logger.Warnf("goal position write failed: %v", err)
	}
	return nil
}

// enableTorque toggles torque on every real joint. The flag only moves after
// the whole chain toggled, so a partial failure leaves it on the last fully
// completed transition. Enabling re-seats commands on the current state so
// the chain holds its pose.
func (hw *Hardware) enableTorque(enabled bool) error {
	switch {
	case enabled && !hw.torqueEnabled:
		for _, j := range hw.joints {
			if err := hw.wb.TorqueOn(j.ID); err != nil {
				return errors.Wrapf(err, "failed to enable torque on joint %s", j.Name)
			}
		}
		hw.resetCommand()
		hw.logger.Info("torque enabled")
	case !enabled && hw.torqueEnabled:
		for _, j := range hw.joints {
			if err := hw.wb.TorqueOff(j.ID); err != nil {
				return errors.Wrapf(err, "failed to disable torque on joint %s", j.Name)
			}
		}
		hw.logger.Info("torque disabled")
	}
	hw.torqueEnabled = enabled
	return nil
}

// withTorqueOff runs fn with torque dropped and restores the prior torque
// state afterwards.
func (hw *Hardware) withTorqueOff(fn func() error) error {
	wasEnabled := hw.torqueEnabled
	if wasEnabled {
		if err := hw.enableTorque(false); err != nil {
			return err
		}
	}
	if err := fn(); err != nil {
		return err
	}
	if wasEnabled {
		return hw.enableTorque(true)
	}
	return nil
}

// setControlMode transitions the chain's shared mode, then independently
// keeps the gripper on current-based position control with its current limit
// applied. Transitions only touch the bus when the mode actually changes
// (or forceSet is set) and always run with torque dropped.
func (hw *Hardware) setControlMode(mode ControlMode, forceSet bool) error {
	switch {
	case mode == ControlModeVelocity && (forceSet || hw.controlMode != ControlModeVelocity):
		err := hw.withTorqueOff(func() error {
			for _, j := range hw.joints {
				if err := hw.wb.SetVelocityControlMode(j.ID); err != nil {
					return errors.Wrapf(err, "failed to set velocity control on joint %s", j.Name)
				}
			}
			hw.logger.Info("velocity control")
			hw.controlMode = ControlModeVelocity
			return nil
		})
		if err != nil {
			return err
		}
	case mode == ControlModePosition && (forceSet || hw.controlMode != ControlModePosition):
		err := hw.withTorqueOff(func() error {
			for _, j := range hw.joints {
				if err := hw.wb.SetPositionControlMode(j.ID); err != nil {
					return errors.Wrapf(err, "failed to set position control on joint %s", j.Name)
				}
			}
			hw.logger.Info("position control")
			hw.controlMode = ControlModePosition
			return nil
		})
		if err != nil {
			return err
		}
	case hw.controlMode != ControlModeVelocity && hw.controlMode != ControlModePosition:
		return errors.New("only position and velocity control are implemented")
	}

	if hw.gripperID != noGripperID && (forceSet || hw.gripperControlMode != ControlModeCurrentBasedPosition) {
		err := hw.withTorqueOff(func() error {
			if err := hw.wb.SetCurrentBasedPositionControlMode(hw.gripperID); err != nil {
				return errors.Wrap(err, "failed to set current-based position control on gripper")
			}
			value := hw.wb.CurrentToValue(hw.gripperCurrentLimit)
			if err := hw.wb.ItemWrite(hw.gripperID, itemGoalCurrent, value); err != nil {
				return errors.Wrap(err, "failed to write gripper current limit")
			}
			hw.logger.Info("current-based position control for gripper")
			hw.gripperControlMode = ControlModeCurrentBasedPosition
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// resetCommand seats every command on the present state with zero velocity
// and effort, so the next write holds position instead of jumping.
func (hw *Hardware) resetCommand() {
	for _, j := range hw.joints {
		j.Command = Values{Position: j.State.Position}
	}
	for _, j := range hw.virtualJoints {
		j.Command = Values{Position: j.State.Position}
	}
}

// --- locked accessors for the components ---

// JointNames returns every joint name in configuration order.
func (hw *Hardware) JointNames() []string {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	names := make([]string, len(hw.all))
	for i, j := range hw.all {
		names[i] = j.Name
	}
	return names
}

// JointState returns one joint's state snapshot.
func (hw *Hardware) JointState(name string) (Values, bool) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	j, ok := hw.byName[name]
	if !ok {
		return Values{}, false
	}
	return j.State, true
}

// CommandPosition sets one joint's position command in radians.
func (hw *Hardware) CommandPosition(name string, radian float64) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	j, ok := hw.byName[name]
	if !ok {
		return errors.Errorf("unknown joint %q", name)
	}
	j.Command.Position = radian
	return nil
}

// CommandVelocity sets one joint's velocity command in rad/s. Any nonzero
// velocity command switches the whole chain to velocity control on the next
// cycle.
func (hw *Hardware) CommandVelocity(name string, radPerSec float64) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	j, ok := hw.byName[name]
	if !ok {
		return errors.Errorf("unknown joint %q", name)
	}
	j.Command.Velocity = radPerSec
	return nil
}

// SetTorque toggles torque on the whole chain.
func (hw *Hardware) SetTorque(enabled bool) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if hw.useDummy {
		hw.torqueEnabled = enabled
		return nil
	}
	return hw.enableTorque(enabled)
}

func (hw *Hardware) TorqueEnabled() bool {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.torqueEnabled
}

// ControlModes reports the chain mode and the gripper mode.
func (hw *Hardware) ControlModes() (chain, gripper ControlMode) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.controlMode, hw.gripperControlMode
}

// Halt re-seats all commands on the present state, zeroing velocities, so
// the next cycle holds the current pose.
func (hw *Hardware) Halt() {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	hw.resetCommand()
}

// GripperName returns the gripper joint's name, or false when the chain has
// no gripper.
func (hw *Hardware) GripperName() (string, bool) {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if hw.gripperID == noGripperID {
		return "", false
	}
	return gripperJointName, true
}

func (hw *Hardware) GripperCurrentLimit() float64 {
	hw.mu.Lock()
	defer hw.mu.Unlock()
	return hw.gripperCurrentLimit
}
