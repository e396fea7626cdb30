// Package dxlarm drives a chain of Dynamixel servo actuators through a
// periodic read/write control cycle and exposes the chain as Viam arm and
// gripper components.
package dxlarm

import "math"

// ControlItem is the register location backing a named quantity in a servo's
// control table.
type ControlItem struct {
	Address uint16
	Length  uint16
}

// Series selects which control table a device speaks. X-series devices
// (XL/XM/XH, Protocol 2.0) carry the modern table; older generations expose
// the legacy register names.
type Series int

const (
	SeriesX Series = iota
	SeriesLegacy
)

// Control table item names.
const (
	itemModelNumber     = "Model_Number"
	itemOperatingMode   = "Operating_Mode"
	itemTorqueEnable    = "Torque_Enable"
	itemGoalCurrent     = "Goal_Current"
	itemGoalVelocity    = "Goal_Velocity"
	itemGoalPosition    = "Goal_Position"
	itemPresentCurrent  = "Present_Current"
	itemPresentVelocity = "Present_Velocity"
	itemPresentPosition = "Present_Position"

	// Legacy aliases for older firmware generations.
	itemMovingSpeed  = "Moving_Speed"
	itemPresentSpeed = "Present_Speed"
	itemPresentLoad  = "Present_Load"
)

// Ordered candidate names per logical quantity, tried in sequence. The
// primary name is first; legacy aliases follow.
var (
	goalVelocityNames    = []string{itemGoalVelocity, itemMovingSpeed}
	presentVelocityNames = []string{itemPresentVelocity, itemPresentSpeed}
	presentCurrentNames  = []string{itemPresentCurrent, itemPresentLoad}
)

// xSeriesTable covers XL430/XM430/XM540-class devices (Protocol 2.0).
var xSeriesTable = map[string]ControlItem{
	itemModelNumber:        {0, 2},
	itemOperatingMode:      {11, 1},
	"Current_Limit":        {38, 2},
	itemTorqueEnable:       {64, 1},
	itemGoalCurrent:        {102, 2},
	itemGoalVelocity:       {104, 4},
	"Profile_Acceleration": {108, 4},
	"Profile_Velocity":     {112, 4},
	itemGoalPosition:       {116, 4},
	"Moving":               {122, 1},
	itemPresentCurrent:     {126, 2},
	itemPresentVelocity:    {128, 4},
	itemPresentPosition:    {132, 4},
}

// legacyTable covers AX/MX-generation devices, which lack the goal-velocity
// and present-current items and expose Moving_Speed/Present_Speed/
// Present_Load instead.
var legacyTable = map[string]ControlItem{
	itemModelNumber:     {0, 2},
	itemTorqueEnable:    {24, 1},
	itemGoalPosition:    {30, 2},
	itemMovingSpeed:     {32, 2},
	"Torque_Limit":      {34, 2},
	itemPresentPosition: {36, 2},
	itemPresentSpeed:    {38, 2},
	itemPresentLoad:     {40, 2},
}

func tableForSeries(s Series) map[string]ControlItem {
	if s == SeriesLegacy {
		return legacyTable
	}
	return xSeriesTable
}

// seriesForModel maps a pinged model number to its control table. X-series
// model numbers start above 1000 (XL430 is 1060, XM430-W350 is 1020); the
// AX/MX generations sit in the low hundreds.
func seriesForModel(model uint16) Series {
	if model >= 1000 {
		return SeriesX
	}
	return SeriesLegacy
}

// Operating_Mode register values (X-series).
const (
	operatingModeVelocity             int32 = 1
	operatingModePosition             int32 = 3
	operatingModeCurrentBasedPosition int32 = 5
)

// Unit scales per series.
const (
	xTicksPerRevolution = 4096
	xCenterTicks        = 2048
	xVelocityRPMPerUnit = 0.229
	xCurrentMAPerUnit   = 2.69

	legacyTicksPerRange = 1024
	legacyCenterTicks   = 512
	legacyRangeDegrees  = 300
	legacyVelocityRPM   = 0.111
)

func positionToRadian(s Series, value int32) float64 {
	if s == SeriesLegacy {
		radPerTick := legacyRangeDegrees * math.Pi / 180 / legacyTicksPerRange
		return (float64(value) - legacyCenterTicks) * radPerTick
	}
	return (float64(value) - xCenterTicks) * (2 * math.Pi / xTicksPerRevolution)
}

func radianToPosition(s Series, radian float64) int32 {
	if s == SeriesLegacy {
		ticksPerRad := legacyTicksPerRange / (legacyRangeDegrees * math.Pi / 180)
		return int32(math.Round(radian*ticksPerRad)) + legacyCenterTicks
	}
	return int32(math.Round(radian*(xTicksPerRevolution/(2*math.Pi)))) + xCenterTicks
}

func velocityToRadPerSec(s Series, value int32) float64 {
	rpm := xVelocityRPMPerUnit
	if s == SeriesLegacy {
		rpm = legacyVelocityRPM
	}
	return float64(value) * rpm * 2 * math.Pi / 60
}

func radPerSecToVelocity(s Series, radPerSec float64) int32 {
	rpm := xVelocityRPMPerUnit
	if s == SeriesLegacy {
		rpm = legacyVelocityRPM
	}
	return int32(math.Round(radPerSec * 60 / (2 * math.Pi) / rpm))
}

// Current conversions use the X-series scale for every generation; legacy
// devices report load in the same register width and the chain's effort
// channel is only meaningful on devices that measure current.
func currentValueToMilliamp(value int32) float64 {
	return float64(value) * xCurrentMAPerUnit
}

func milliampToCurrentValue(milliamp float64) int32 {
	return int32(math.Round(milliamp / xCurrentMAPerUnit))
}
