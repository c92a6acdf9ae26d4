// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qnn

// PowerConfigOption selects the field of PowerConfig in use.
type PowerConfigOption uint32

const (
	PowerConfigDcvsV3            PowerConfigOption = 1
	PowerConfigRpcControlLatency PowerConfigOption = 2
	PowerConfigRpcPollingTime    PowerConfigOption = 3
)

// VoltageCorner is a DCVS voltage corner. Values match the SDK's DCVS_VOLTAGE_VCORNER_* enum.
type VoltageCorner uint32

const (
	VoltageCornerDisable    VoltageCorner = 0x10
	VoltageCornerSvs2       VoltageCorner = 0x30
	VoltageCornerSvs        VoltageCorner = 0x40
	VoltageCornerSvsPlus    VoltageCorner = 0x50
	VoltageCornerNom        VoltageCorner = 0x60
	VoltageCornerNomPlus    VoltageCorner = 0x70
	VoltageCornerTurbo      VoltageCorner = 0x80
	VoltageCornerTurboPlus  VoltageCorner = 0x90
	VoltageCornerMaxVoltage VoltageCorner = 0xF0
)

// DcvsPowerMode of the DCVS v3 governor.
type DcvsPowerMode uint32

const (
	DcvsPowerModeAdjustUpDown         DcvsPowerMode = 0x1
	DcvsPowerModeAdjustOnlyUp         DcvsPowerMode = 0x2
	DcvsPowerModePowerSaver           DcvsPowerMode = 0x4
	DcvsPowerModePowerSaverAggressive DcvsPowerMode = 0x8
	DcvsPowerModePerformance          DcvsPowerMode = 0x10
)

// DcvsV3 are the settings of the DCVS v3 governor.
type DcvsV3 struct {
	ContextID        uint32
	DcvsEnable       bool
	PowerMode        DcvsPowerMode
	SleepLatency     uint32
	SleepDisable     bool
	BusMinCorner     VoltageCorner
	BusTargetCorner  VoltageCorner
	BusMaxCorner     VoltageCorner
	CoreMinCorner    VoltageCorner
	CoreTargetCorner VoltageCorner
	CoreMaxCorner    VoltageCorner
}

// PowerConfig is one entry of a SetPowerConfig call.
type PowerConfig struct {
	Option PowerConfigOption
	Dcvs   DcvsV3

	// RpcControlLatency (microseconds) or RpcPollingTime, depending on Option.
	Value uint32
}
