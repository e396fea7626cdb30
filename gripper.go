package dxlarm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/spatialmath"
)

var GripperModel = resource.NewModel("devrel", "dxl", "gripper")

func init() {
	resource.RegisterComponent(
		gripper.API,
		GripperModel,
		resource.Registration[gripper.Gripper, *GripperConfig]{
			Constructor: newDxlGripper,
		},
	)
}

// GripperConfig shares the chain configuration with the arm component and
// adds the gripper travel endpoints in radians.
type GripperConfig struct {
	Config
	OpenPosition   float64 `json:"open_position,omitempty"`
	ClosedPosition float64 `json:"closed_position,omitempty"`
}

func (cfg *GripperConfig) Validate(path string) ([]string, []string, error) {
	if _, _, err := cfg.Config.Validate(path); err != nil {
		return nil, nil, err
	}
	hasGripper := false
	for _, jc := range cfg.Joints {
		if jc.Name == gripperJointName && !jc.IsVirtual {
			hasGripper = true
		}
	}
	if !hasGripper {
		return nil, nil, fmt.Errorf("%s: a non-virtual joint named %q is required", path, gripperJointName)
	}
	if cfg.OpenPosition == 0 && cfg.ClosedPosition == 0 {
		cfg.OpenPosition = math.Pi / 3
	}
	return nil, nil, nil
}

type dxlGripper struct {
	resource.AlwaysRebuild

	name       resource.Name
	logger     logging.Logger
	cfg        *GripperConfig
	hw         *Hardware
	geometries []spatialmath.Geometry

	mu       sync.Mutex
	isMoving atomic.Bool

	openPosition   float64
	closedPosition float64
	// effort threshold in mA, derived from the configured current limit
	gripThreshold float64
}

func newDxlGripper(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (gripper.Gripper, error) {
	cfg, err := resource.NativeConfig[*GripperConfig](conf)
	if err != nil {
		return nil, err
	}

	hw, err := sharedRegistry.Get(&cfg.Config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to get shared chain for gripper: %w", err)
	}
	if _, ok := hw.GripperName(); !ok {
		sharedRegistry.Release(&cfg.Config)
		return nil, fmt.Errorf("chain has no gripper joint")
	}

	clawSize := r3.Vector{X: 40, Y: 60, Z: 110}
	claws, err := spatialmath.NewBox(spatialmath.NewPoseFromPoint(r3.Vector{X: 0, Y: 0, Z: clawSize.Z / 2}), clawSize, "claws")
	if err != nil {
		sharedRegistry.Release(&cfg.Config)
		return nil, err
	}

	g := &dxlGripper{
		name:           conf.ResourceName(),
		logger:         logger,
		cfg:            cfg,
		hw:             hw,
		geometries:     []spatialmath.Geometry{claws},
		openPosition:   cfg.OpenPosition,
		closedPosition: cfg.ClosedPosition,
		gripThreshold:  hw.GripperCurrentLimit() * 0.8,
	}

	logger.Debugf("gripper initialized: open=%.3f rad, closed=%.3f rad, grip threshold %.1f mA",
		g.openPosition, g.closedPosition, g.gripThreshold)
	return g, nil
}

func (g *dxlGripper) Name() resource.Name {
	return g.name
}

func (g *dxlGripper) Open(ctx context.Context, extra map[string]interface{}) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	if err := g.hw.CommandPosition(gripperJointName, g.openPosition); err != nil {
		return err
	}
	return g.waitForPosition(ctx, g.openPosition)
}

// Grab closes the gripper and watches the effort channel. The device runs in
// current-based position control, so contact shows up as present current near
// the configured limit well before the closed position is reached.
func (g *dxlGripper) Grab(ctx context.Context, extra map[string]interface{}) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.isMoving.Store(true)
	defer g.isMoving.Store(false)

	if err := g.hw.CommandPosition(gripperJointName, g.closedPosition); err != nil {
		return false, err
	}

	pollInterval := 20 * time.Millisecond
	tolerance := math.Abs(g.openPosition-g.closedPosition) * 0.02
	deadline := time.Now().Add(10 * time.Second)

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if time.Now().After(deadline) {
			return false, fmt.Errorf("grab timed out")
		}

		state, ok := g.hw.JointState(gripperJointName)
		if !ok {
			return false, fmt.Errorf("gripper joint state unavailable")
		}

		if !math.IsNaN(state.Effort) && math.Abs(state.Effort) > g.gripThreshold {
			held := math.Abs(state.Position-g.closedPosition) > tolerance
			if held {
				g.logger.Debugf("grabbed at %.3f rad (%.1f mA)", state.Position, state.Effort)
				// hold here instead of pushing further closed
				if err := g.hw.CommandPosition(gripperJointName, state.Position); err != nil {
					return held, err
				}
			}
			return held, nil
		}

		if math.Abs(state.Position-g.closedPosition) <= tolerance {
			g.logger.Debug("gripper fully closed, nothing grabbed")
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// waitForPosition polls until the gripper settles near target or times out.
func (g *dxlGripper) waitForPosition(ctx context.Context, target float64) error {
	tolerance := 0.05
	deadline := time.Now().Add(5 * time.Second)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			g.logger.Warnf("gripper did not reach %.3f rad in time", target)
			return nil
		}
		state, ok := g.hw.JointState(gripperJointName)
		if ok && !math.IsNaN(state.Position) && math.Abs(state.Position-target) <= tolerance {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (g *dxlGripper) Stop(ctx context.Context, extra map[string]interface{}) error {
	g.isMoving.Store(false)
	g.hw.Halt()
	return nil
}

func (g *dxlGripper) IsMoving(ctx context.Context) (bool, error) {
	return g.isMoving.Load(), nil
}

func (g *dxlGripper) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return g.geometries, nil
}

func (g *dxlGripper) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	switch cmd["command"] {
	case "get_state":
		state, ok := g.hw.JointState(gripperJointName)
		if !ok {
			return nil, fmt.Errorf("gripper joint state unavailable")
		}
		return map[string]interface{}{
			"position_radians": state.Position,
			"velocity":         state.Velocity,
			"effort_ma":        state.Effort,
			"open_position":    g.openPosition,
			"closed_position":  g.closedPosition,
		}, nil

	case "set_position":
		radians, ok := cmd["radians"].(float64)
		if !ok {
			return nil, fmt.Errorf("set_position requires a 'radians' number parameter")
		}
		err := g.hw.CommandPosition(gripperJointName, radians)
		return map[string]interface{}{"success": err == nil}, err

	case "calibrate_positions":
		g.mu.Lock()
		defer g.mu.Unlock()
		if openPos, ok := cmd["open_position"].(float64); ok {
			g.openPosition = openPos
		}
		if closedPos, ok := cmd["closed_position"].(float64); ok {
			g.closedPosition = closedPos
		}
		return map[string]interface{}{
			"open_position":   g.openPosition,
			"closed_position": g.closedPosition,
		}, nil

	default:
		return nil, fmt.Errorf("unknown command: %v", cmd["command"])
	}
}

func (g *dxlGripper) Close(ctx context.Context) error {
	sharedRegistry.Release(&g.cfg.Config)
	return nil
}

func (g *dxlGripper) CurrentInputs(ctx context.Context) ([]referenceframe.Input, error) {
	return nil, errors.ErrUnsupported
}

func (g *dxlGripper) GoToInputs(ctx context.Context, inputs ...[]referenceframe.Input) error {
	return errors.ErrUnsupported
}

func (g *dxlGripper) Kinematics(ctx context.Context) (referenceframe.Model, error) {
	return nil, errors.ErrUnsupported
}

func (g *dxlGripper) IsHoldingSomething(ctx context.Context, extra map[string]interface{}) (gripper.HoldingStatus, error) {
	return gripper.HoldingStatus{}, errors.ErrUnsupported
}
