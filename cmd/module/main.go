package main

import (
	"dxlarm"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/components/gripper"
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: arm.API, Model: dxlarm.ArmModel},
		resource.APIModel{API: gripper.API, Model: dxlarm.GripperModel},
	)
}
