package dxlarm

import (
	"context"
	"fmt"
	"math"

	"github.com/pkg/errors"
	commonpb "go.viam.com/api/common/v1"
	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils/rpc"
)

var (
	ArmModel         = resource.NewModel("devrel", "arm", "dxl-chain")
	errUnimplemented = errors.New("unimplemented")
)

func init() {
	resource.RegisterComponent(arm.API, ArmModel,
		resource.Registration[arm.Arm, *Config]{
			Constructor: newDxlArm,
		},
	)
}

// dxlArm exposes the non-gripper joints of a shared actuator chain as a Viam
// arm. The gripper joint, when configured, belongs to the gripper component.
type dxlArm struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config
	opMgr  *operation.SingleOperationManager

	hw         *Hardware
	jointNames []string
}

func newDxlArm(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (arm.Arm, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	hw, err := sharedRegistry.Get(conf, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize actuator chain: %w", err)
	}

	var jointNames []string
	for _, name := range hw.JointNames() {
		if name == gripperJointName {
			continue
		}
		jointNames = append(jointNames, name)
	}

	a := &dxlArm{
		name:       rawConf.ResourceName(),
		logger:     logger,
		cfg:        conf,
		opMgr:      operation.NewSingleOperationManager(),
		hw:         hw,
		jointNames: jointNames,
	}

	logger.Infof("arm initialized on port %s with joints %v", conf.USBPort, jointNames)
	return a, nil
}

func (a *dxlArm) Name() resource.Name {
	return a.name
}

func (a *dxlArm) NewClientFromConn(ctx context.Context, conn rpc.ClientConn, remoteName string, name resource.Name, logger logging.Logger) (arm.Arm, error) {
	return nil, errors.New("remote client not implemented")
}

func (a *dxlArm) EndPosition(ctx context.Context, extra map[string]interface{}) (spatialmath.Pose, error) {
	return nil, errUnimplemented
}

func (a *dxlArm) MoveToPosition(ctx context.Context, pose spatialmath.Pose, extra map[string]interface{}) error {
	return errUnimplemented
}

// MoveToJointPositions sets position commands; the control cycle streams
// them to the devices.
func (a *dxlArm) MoveToJointPositions(ctx context.Context, positions []referenceframe.Input, extra map[string]interface{}) error {
	ctx, done := a.opMgr.New(ctx)
	defer done()

	if len(positions) != len(a.jointNames) {
		return fmt.Errorf("expected %d joint positions, got %d", len(a.jointNames), len(positions))
	}
	for i, name := range a.jointNames {
		if err := a.hw.CommandPosition(name, float64(positions[i])); err != nil {
			return err
		}
	}
	return nil
}

func (a *dxlArm) MoveThroughJointPositions(ctx context.Context, positions [][]referenceframe.Input, options *arm.MoveOptions, extra map[string]interface{}) error {
	for _, jointPositions := range positions {
		if err := a.MoveToJointPositions(ctx, jointPositions, extra); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

func (a *dxlArm) JointPositions(ctx context.Context, extra map[string]interface{}) ([]referenceframe.Input, error) {
	positions := make([]referenceframe.Input, len(a.jointNames))
	for i, name := range a.jointNames {
		state, ok := a.hw.JointState(name)
		if !ok {
			return nil, fmt.Errorf("unknown joint %q", name)
		}
		positions[i] = referenceframe.Input(state.Position)
	}
	return positions, nil
}

// Stop re-seats all commands on the present state, which zeroes velocity
// commands and drops the chain back to position control.
func (a *dxlArm) Stop(ctx context.Context, extra map[string]interface{}) error {
	a.opMgr.CancelRunning(ctx)
	a.hw.Halt()
	return nil
}

func (a *dxlArm) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errUnimplemented
}

func (a *dxlArm) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return a.JointPositions(ctx, nil)
}

func (a *dxlArm) GoToInputs(ctx context.Context, inputSteps ...[]referenceframe.Input) error {
	return a.MoveThroughJointPositions(ctx, inputSteps, nil, nil)
}

func (a *dxlArm) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "set_torque":
		enable, ok := cmd["enable"].(bool)
		if !ok {
			return nil, fmt.Errorf("set_torque requires an 'enable' boolean parameter")
		}
		err := a.hw.SetTorque(enable)
		return map[string]interface{}{"success": err == nil}, err

	case "torque_enabled":
		return map[string]interface{}{"enabled": a.hw.TorqueEnabled()}, nil

	case "control_modes":
		chain, gripper := a.hw.ControlModes()
		return map[string]interface{}{
			"chain":   chain.String(),
			"gripper": gripper.String(),
		}, nil

	case "set_velocity":
		velocities, ok := cmd["velocities"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("set_velocity requires a 'velocities' map of joint name to rad/s")
		}
		for name, raw := range velocities {
			value, ok := raw.(float64)
			if !ok {
				return nil, fmt.Errorf("velocity for joint %q is not a number", name)
			}
			if err := a.hw.CommandVelocity(name, value); err != nil {
				return nil, err
			}
		}
		return map[string]interface{}{"success": true}, nil

	case "reset_command":
		a.hw.Halt()
		return map[string]interface{}{"success": true}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

// IsMoving reports whether any joint still has measurable velocity.
func (a *dxlArm) IsMoving(ctx context.Context) (bool, error) {
	for _, name := range a.jointNames {
		state, ok := a.hw.JointState(name)
		if !ok {
			continue
		}
		if !math.IsNaN(state.Velocity) && math.Abs(state.Velocity) > 1e-3 {
			return true, nil
		}
	}
	return false, nil
}

func (a *dxlArm) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return nil, nil
}

func (a *dxlArm) Get3DModels(ctx context.Context, extra map[string]interface{}) (map[string]*commonpb.Mesh, error) {
	return nil, errUnimplemented
}

func (a *dxlArm) Close(context.Context) error {
	a.logger.Info("closing arm")
	sharedRegistry.Release(a.cfg)
	return nil
}
