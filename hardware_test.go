package dxlarm

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// fakeWorkbench scripts device responses and records every bus interaction.
type fakeWorkbench struct {
	series Series

	pingErr   map[uint8]error
	torqueErr map[uint8]error
	modeErr   map[uint8]error

	syncReadErr  error
	syncWriteErr error

	calls      []string
	itemWrites map[string]int32
	torque     map[uint8]bool
	modes      map[uint8]int32

	positionRaw map[uint8]int32
	velocityRaw map[uint8]int32
	currentRaw  map[uint8]int32

	readChannels  []ControlItem
	writeChannels []ControlItem
	writeLog      []fakeWrite
}

type fakeWrite struct {
	index  int
	ids    []uint8
	values []int32
}

func newFakeWorkbench(series Series) *fakeWorkbench {
	return &fakeWorkbench{
		series:      series,
		pingErr:     map[uint8]error{},
		torqueErr:   map[uint8]error{},
		modeErr:     map[uint8]error{},
		itemWrites:  map[string]int32{},
		torque:      map[uint8]bool{},
		modes:       map[uint8]int32{},
		positionRaw: map[uint8]int32{},
		velocityRaw: map[uint8]int32{},
		currentRaw:  map[uint8]int32{},
	}
}

func (f *fakeWorkbench) record(format string, args ...interface{}) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeWorkbench) Ping(id uint8) (uint16, error) {
	if err := f.pingErr[id]; err != nil {
		return 0, err
	}
	f.record("Ping(%d)", id)
	if f.series == SeriesLegacy {
		return 12, nil
	}
	return 1020, nil
}

func (f *fakeWorkbench) ItemInfo(id uint8, name string) (ControlItem, bool) {
	item, ok := tableForSeries(f.series)[name]
	return item, ok
}

func (f *fakeWorkbench) AddSyncWriteHandler(addr, length uint16) (int, error) {
	f.writeChannels = append(f.writeChannels, ControlItem{addr, length})
	return len(f.writeChannels) - 1, nil
}

func (f *fakeWorkbench) AddSyncReadHandler(addr, length uint16) (int, error) {
	f.readChannels = append(f.readChannels, ControlItem{addr, length})
	return len(f.readChannels) - 1, nil
}

func (f *fakeWorkbench) SyncRead(index int, ids []uint8) error {
	f.record("SyncRead(%d)", index)
	return f.syncReadErr
}

func (f *fakeWorkbench) sourceFor(addr uint16) map[uint8]int32 {
	table := tableForSeries(f.series)
	switch addr {
	case table[itemPresentPosition].Address:
		return f.positionRaw
	}
	if f.series == SeriesLegacy {
		switch addr {
		case table[itemPresentSpeed].Address:
			return f.velocityRaw
		case table[itemPresentLoad].Address:
			return f.currentRaw
		}
	} else {
		switch addr {
		case table[itemPresentVelocity].Address:
			return f.velocityRaw
		case table[itemPresentCurrent].Address:
			return f.currentRaw
		}
	}
	return nil
}

func (f *fakeWorkbench) SyncReadData(index int, ids []uint8, addr, length uint16) ([]int32, error) {
	if f.syncReadErr != nil {
		return nil, f.syncReadErr
	}
	source := f.sourceFor(addr)
	if source == nil {
		return nil, fmt.Errorf("no scripted data at address %d", addr)
	}
	values := make([]int32, len(ids))
	for i, id := range ids {
		values[i] = source[id]
	}
	return values, nil
}

func (f *fakeWorkbench) SyncWrite(index int, ids []uint8, values []int32) error {
	if f.syncWriteErr != nil {
		return f.syncWriteErr
	}
	f.writeLog = append(f.writeLog, fakeWrite{index: index, ids: append([]uint8{}, ids...), values: append([]int32{}, values...)})
	return nil
}

func (f *fakeWorkbench) TorqueOn(id uint8) error {
	if err := f.torqueErr[id]; err != nil {
		return err
	}
	f.record("TorqueOn(%d)", id)
	f.torque[id] = true
	return nil
}

func (f *fakeWorkbench) TorqueOff(id uint8) error {
	if err := f.torqueErr[id]; err != nil {
		return err
	}
	f.record("TorqueOff(%d)", id)
	f.torque[id] = false
	return nil
}

func (f *fakeWorkbench) SetPositionControlMode(id uint8) error {
	if err := f.modeErr[id]; err != nil {
		return err
	}
	f.record("SetPositionControlMode(%d)", id)
	f.modes[id] = operatingModePosition
	return nil
}

func (f *fakeWorkbench) SetVelocityControlMode(id uint8) error {
	if err := f.modeErr[id]; err != nil {
		return err
	}
	f.record("SetVelocityControlMode(%d)", id)
	f.modes[id] = operatingModeVelocity
	return nil
}

func (f *fakeWorkbench) SetCurrentBasedPositionControlMode(id uint8) error {
	if err := f.modeErr[id]; err != nil {
		return err
	}
	f.record("SetCurrentBasedPositionControlMode(%d)", id)
	f.modes[id] = operatingModeCurrentBasedPosition
	return nil
}

func (f *fakeWorkbench) ItemWrite(id uint8, name string, value int32) error {
	f.record("ItemWrite(%d,%s)", id, name)
	f.itemWrites[fmt.Sprintf("%d:%s", id, name)] = value
	return nil
}

func (f *fakeWorkbench) ValueToRadian(id uint8, value int32) float64 {
	return positionToRadian(f.series, value)
}

func (f *fakeWorkbench) RadianToValue(id uint8, radian float64) int32 {
	return radianToPosition(f.series, radian)
}

func (f *fakeWorkbench) ValueToVelocity(id uint8, value int32) float64 {
	return velocityToRadPerSec(f.series, value)
}

func (f *fakeWorkbench) VelocityToValue(id uint8, radPerSec float64) int32 {
	return radPerSecToVelocity(f.series, radPerSec)
}

func (f *fakeWorkbench) ValueToCurrent(value int32) float64 {
	return currentValueToMilliamp(value)
}

func (f *fakeWorkbench) CurrentToValue(milliamp float64) int32 {
	return milliampToCurrentValue(milliamp)
}

func (f *fakeWorkbench) Close() error { return nil }

func chainConfig() *Config {
	return &Config{
		USBPort: "/dev/ttyUSB0",
		Joints: []JointConfig{
			{Name: "joint1", ID: 1},
			{Name: "joint2", ID: 2},
			{Name: "gripper", ID: 3, CurrentLimit: 150},
		},
	}
}

func newTestHardware(t *testing.T, conf *Config, fw *fakeWorkbench) *Hardware {
	t.Helper()
	var wb Workbench
	if fw != nil {
		wb = fw
	}
	hw, err := NewHardware(conf, wb, logging.NewTestLogger(t))
	require.NoError(t, err)
	return hw
}

func TestConfigure(t *testing.T) {
	t.Run("establishes modes and torque", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, chainConfig(), fw)

		require.NoError(t, hw.Configure())

		assert.Equal(t, operatingModePosition, fw.modes[1])
		assert.Equal(t, operatingModePosition, fw.modes[2])
		assert.Equal(t, operatingModeCurrentBasedPosition, fw.modes[3])
		assert.True(t, fw.torque[1])
		assert.True(t, fw.torque[2])
		assert.True(t, fw.torque[3])
		assert.True(t, hw.TorqueEnabled())

		chain, gripper := hw.ControlModes()
		assert.Equal(t, ControlModePosition, chain)
		assert.Equal(t, ControlModeCurrentBasedPosition, gripper)
	})

	t.Run("writes configured gripper current limit", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, chainConfig(), fw)

		require.NoError(t, hw.Configure())
		assert.Equal(t, milliampToCurrentValue(150), fw.itemWrites["3:Goal_Current"])
	})

	t.Run("applies default gripper current limit", func(t *testing.T) {
		conf := chainConfig()
		conf.Joints[2].CurrentLimit = 0
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, conf, fw)

		require.NoError(t, hw.Configure())
		assert.Equal(t, defaultGripperCurrentLimit, hw.GripperCurrentLimit())
		assert.Equal(t, milliampToCurrentValue(defaultGripperCurrentLimit), fw.itemWrites["3:Goal_Current"])
	})

	t.Run("fails when a device does not answer", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		fw.pingErr[2] = fmt.Errorf("timeout")
		hw := newTestHardware(t, chainConfig(), fw)

		assert.Error(t, hw.Configure())
	})

	t.Run("pings every real joint once", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		conf := chainConfig()
		conf.Joints = append(conf.Joints, JointConfig{Name: "flange", IsVirtual: true})
		hw := newTestHardware(t, conf, fw)

		require.NoError(t, hw.Configure())

		pings := 0
		for _, call := range fw.calls {
			if call == "Ping(1)" || call == "Ping(2)" || call == "Ping(3)" {
				pings++
			}
		}
		assert.Equal(t, 3, pings)
	})

	t.Run("respects torque_off", func(t *testing.T) {
		conf := chainConfig()
		conf.TorqueOff = true
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, conf, fw)

		require.NoError(t, hw.Configure())
		assert.False(t, hw.TorqueEnabled())
		assert.False(t, fw.torque[1])
	})
}

func TestControlItemResolution(t *testing.T) {
	t.Run("x series window", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, chainConfig(), fw)

		require.NoError(t, hw.Configure())
		require.Len(t, fw.readChannels, 1)
		assert.Equal(t, uint16(126), fw.readChannels[0].Address)
		assert.Equal(t, uint16(12), fw.readChannels[0].Length)
		// goal position then goal velocity
		require.Len(t, fw.writeChannels, 2)
		assert.Equal(t, ControlItem{116, 4}, fw.writeChannels[0])
		assert.Equal(t, ControlItem{104, 4}, fw.writeChannels[1])
	})

	t.Run("legacy fallback names and window", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesLegacy)
		hw := newTestHardware(t, chainConfig(), fw)

		require.NoError(t, hw.Configure())
		require.Len(t, fw.readChannels, 1)
		assert.Equal(t, uint16(36), fw.readChannels[0].Address)
		assert.Equal(t, uint16(8), fw.readChannels[0].Length)
		assert.Equal(t, ControlItem{30, 2}, fw.writeChannels[0])
		assert.Equal(t, ControlItem{32, 2}, fw.writeChannels[1])
	})
}

func TestRead(t *testing.T) {
	t.Run("converts raw values to physical units", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, chainConfig(), fw)
		require.NoError(t, hw.Configure())

		fw.positionRaw[1] = radianToPosition(SeriesX, 1.0)
		fw.positionRaw[2] = radianToPosition(SeriesX, -0.5)
		fw.velocityRaw[1] = radPerSecToVelocity(SeriesX, 1.0)
		fw.currentRaw[1] = 100

		require.NoError(t, hw.Start())

		state, ok := hw.JointState("joint1")
		require.True(t, ok)
		assert.InDelta(t, 1.0, state.Position, 0.01)
		assert.InDelta(t, 1.0, state.Velocity, 0.02)
		assert.InDelta(t, 269.0, state.Effort, 0.01)

		state, ok = hw.JointState("joint2")
		require.True(t, ok)
		assert.InDelta(t, -0.5, state.Position, 0.01)
	})

	t.Run("keeps last state when the read fails", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, chainConfig(), fw)
		require.NoError(t, hw.Configure())

		fw.positionRaw[1] = radianToPosition(SeriesX, 0.75)
		require.NoError(t, hw.Start())

		before, _ := hw.JointState("joint1")
		fw.syncReadErr = fmt.Errorf("bus glitch")
		require.NoError(t, hw.Cycle())

		after, _ := hw.JointState("joint1")
		assert.Equal(t, before.Position, after.Position)
		assert.Equal(t, before.Velocity, after.Velocity)
		assert.Equal(t, before.Effort, after.Effort)
	})
}

func TestWrite(t *testing.T) {
	setup := func(t *testing.T) (*Hardware, *fakeWorkbench) {
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, chainConfig(), fw)
		require.NoError(t, hw.Configure())
		require.NoError(t, hw.Start())
		return hw, fw
	}

	t.Run("position control by default", func(t *testing.T) {
		hw, fw := setup(t)
		require.NoError(t, hw.CommandPosition("joint1", 0.5))
		require.NoError(t, hw.Cycle())

		last := fw.writeLog[len(fw.writeLog)-1]
		assert.Equal(t, hw.goalPositionIndex, last.index)
		assert.Equal(t, radianToPosition(SeriesX, 0.5), last.values[0])

		chain, _ := hw.ControlModes()
		assert.Equal(t, ControlModePosition, chain)
	})

	t.Run("any velocity command selects velocity control for the whole batch", func(t *testing.T) {
		hw, fw := setup(t)
		require.NoError(t, hw.CommandVelocity("joint2", 0.8))
		require.NoError(t, hw.Cycle())

		last := fw.writeLog[len(fw.writeLog)-1]
		assert.Equal(t, hw.goalVelocityIndex, last.index)
		assert.Equal(t, []uint8{1, 2, 3}, last.ids)
		assert.Equal(t, int32(0), last.values[0])
		assert.Equal(t, radPerSecToVelocity(SeriesX, 0.8), last.values[1])

		chain, _ := hw.ControlModes()
		assert.Equal(t, ControlModeVelocity, chain)
	})

	t.Run("velocity payload survives the transition's command reset", func(t *testing.T) {
		hw, fw := setup(t)
		require.NoError(t, hw.CommandVelocity("joint1", 1.2))
		require.NoError(t, hw.Cycle())

		// the transition re-enables torque, which re-seats commands; the
		// commanded velocity must still reach the bus
		last := fw.writeLog[len(fw.writeLog)-1]
		assert.Equal(t, hw.goalVelocityIndex, last.index)
		assert.Equal(t, radPerSecToVelocity(SeriesX, 1.2), last.values[0])
		assert.Equal(t, 0.0, hw.joints[0].Command.Velocity)
	})

	t.Run("returns to position control when velocities go back to zero", func(t *testing.T) {
		hw, fw := setup(t)
		require.NoError(t, hw.CommandVelocity("joint1", 1.0))
		require.NoError(t, hw.Cycle())
		require.NoError(t, hw.CommandVelocity("joint1", 0))
		require.NoError(t, hw.Cycle())

		last := fw.writeLog[len(fw.writeLog)-1]
		assert.Equal(t, hw.goalPositionIndex, last.index)
		chain, _ := hw.ControlModes()
		assert.Equal(t, ControlModePosition, chain)
	})

	t.Run("effort commands are rejected without touching the bus", func(t *testing.T) {
		hw, fw := setup(t)
		writesBefore := len(fw.writeLog)

		hw.joints[0].Command.Effort = 10
		err := hw.Cycle()
		assert.ErrorIs(t, err, errEffortControl)
		assert.Len(t, fw.writeLog, writesBefore)
	})

	t.Run("mode transition failure is fatal", func(t *testing.T) {
		hw, fw := setup(t)
		fw.modeErr[2] = fmt.Errorf("write failed")

		require.NoError(t, hw.CommandVelocity("joint1", 1.0))
		assert.Error(t, hw.Cycle())
	})

	t.Run("sync write failure degrades", func(t *testing.T) {
		hw, fw := setup(t)
		fw.syncWriteErr = fmt.Errorf("partial frame")
		require.NoError(t, hw.CommandPosition("joint1", 0.2))
		assert.NoError(t, hw.Cycle())
	})
}

func TestModeTransitions(t *testing.T) {
	t.Run("no bus traffic when the mode already matches", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, chainConfig(), fw)
		require.NoError(t, hw.Configure())

		callsBefore := len(fw.calls)
		require.NoError(t, hw.setControlMode(ControlModePosition, false))
		assert.Equal(t, callsBefore, len(fw.calls))
	})

	t.Run("transition runs with torque dropped and restored", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, chainConfig(), fw)
		require.NoError(t, hw.Configure())
		require.True(t, hw.TorqueEnabled())

		fw.calls = nil
		require.NoError(t, hw.setControlMode(ControlModeVelocity, false))

		require.NotEmpty(t, fw.calls)
		assert.Equal(t, "TorqueOff(1)", fw.calls[0])
		assert.Equal(t, "TorqueOn(3)", fw.calls[len(fw.calls)-1])
		assert.True(t, hw.TorqueEnabled())
	})

	t.Run("unsupported target mode fails", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		hw := newTestHardware(t, chainConfig(), fw)
		require.NoError(t, hw.Configure())

		hw.controlMode = ControlModeUnknown
		assert.Error(t, hw.setControlMode(ControlModeCurrentBasedPosition, false))
	})
}

func TestTorque(t *testing.T) {
	t.Run("enable re-seats commands on present state", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		conf := chainConfig()
		conf.TorqueOff = true
		hw := newTestHardware(t, conf, fw)
		require.NoError(t, hw.Configure())

		hw.joints[0].State.Position = 1.2
		hw.joints[0].Command.Velocity = 3.0

		require.NoError(t, hw.SetTorque(true))
		assert.Equal(t, 1.2, hw.joints[0].Command.Position)
		assert.Equal(t, 0.0, hw.joints[0].Command.Velocity)
	})

	t.Run("partial failure leaves the flag on the last full transition", func(t *testing.T) {
		fw := newFakeWorkbench(SeriesX)
		conf := chainConfig()
		conf.TorqueOff = true
		hw := newTestHardware(t, conf, fw)
		require.NoError(t, hw.Configure())

		fw.torqueErr[2] = fmt.Errorf("overload")
		assert.Error(t, hw.SetTorque(true))
		assert.False(t, hw.TorqueEnabled())
	})
}

func TestResetCommand(t *testing.T) {
	fw := newFakeWorkbench(SeriesX)
	conf := chainConfig()
	conf.Joints = append(conf.Joints, JointConfig{Name: "flange", IsVirtual: true})
	hw := newTestHardware(t, conf, fw)
	require.NoError(t, hw.Configure())

	hw.joints[0].State.Position = 0.4
	hw.virtualJoints[0].State.Position = 1.5
	hw.joints[0].Command = Values{Position: 9, Velocity: 9, Effort: 9}

	hw.Halt()

	assert.Equal(t, Values{Position: 0.4}, hw.joints[0].Command)
	assert.Equal(t, Values{Position: 1.5}, hw.virtualJoints[0].Command)

	// a second reset with unchanged state is a fixed point
	hw.Halt()

	assert.Equal(t, Values{Position: 0.4}, hw.joints[0].Command)
	assert.Equal(t, Values{Position: 1.5}, hw.virtualJoints[0].Command)
}

func TestDummyMode(t *testing.T) {
	conf := &Config{
		UseDummy: true,
		Joints: []JointConfig{
			{Name: "joint1", ID: 1},
			{Name: "gripper", ID: 2},
			{Name: "flange", IsVirtual: true},
		},
	}

	t.Run("configure establishes modes without a workbench", func(t *testing.T) {
		hw := newTestHardware(t, conf, nil)
		require.NoError(t, hw.Configure())

		chain, gripper := hw.ControlModes()
		assert.Equal(t, ControlModePosition, chain)
		assert.Equal(t, ControlModeCurrentBasedPosition, gripper)
	})

	t.Run("start defaults state to zero", func(t *testing.T) {
		hw := newTestHardware(t, conf, nil)
		require.NoError(t, hw.Configure())
		require.NoError(t, hw.Start())

		for _, name := range hw.JointNames() {
			state, ok := hw.JointState(name)
			require.True(t, ok)
			assert.Equal(t, 0.0, state.Position)
		}
	})

	t.Run("write echoes position commands into state", func(t *testing.T) {
		hw := newTestHardware(t, conf, nil)
		require.NoError(t, hw.Configure())
		require.NoError(t, hw.Start())

		require.NoError(t, hw.CommandPosition("joint1", 0.7))
		require.NoError(t, hw.Cycle())

		state, _ := hw.JointState("joint1")
		assert.Equal(t, 0.7, state.Position)
	})
}

func TestVirtualJoints(t *testing.T) {
	fw := newFakeWorkbench(SeriesX)
	conf := chainConfig()
	conf.Joints = append(conf.Joints, JointConfig{Name: "flange", IsVirtual: true})
	hw := newTestHardware(t, conf, fw)
	require.NoError(t, hw.Configure())
	require.NoError(t, hw.Start())

	require.NoError(t, hw.CommandPosition("flange", 2.5))
	require.NoError(t, hw.Cycle())

	state, ok := hw.JointState("flange")
	require.True(t, ok)
	assert.Equal(t, 2.5, state.Position)
}

func TestNewHardwareStartsNaN(t *testing.T) {
	fw := newFakeWorkbench(SeriesX)
	hw := newTestHardware(t, chainConfig(), fw)

	for _, j := range hw.all {
		assert.True(t, math.IsNaN(j.State.Position))
		assert.True(t, math.IsNaN(j.Command.Position))
		assert.True(t, math.IsNaN(j.State.Velocity))
		assert.True(t, math.IsNaN(j.State.Effort))
	}
}
