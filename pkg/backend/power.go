// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"k8s.io/klog/v2"
)

// PerformanceMode of the HTP device.
type PerformanceMode int

const (
	PerformanceModeDefault PerformanceMode = iota
	PerformanceModeBurst
	PerformanceModeSustainedHighPerformance
	PerformanceModeHighPerformance
	PerformanceModeBalanced
	PerformanceModeLowBalanced
	PerformanceModeHighPowerSaver
	PerformanceModePowerSaver
	PerformanceModeLowPowerSaver
	PerformanceModeExtremePowerSaver
)

var performanceModeNames = []string{"default", "burst", "sustained_high_performance", "high_performance",
	"balanced", "low_balanced", "high_power_saver", "power_saver", "low_power_saver", "extreme_power_saver"}

// String implements fmt.Stringer.
func (p PerformanceMode) String() string {
	if p >= 0 && int(p) < len(performanceModeNames) {
		return performanceModeNames[p]
	}
	return fmt.Sprintf("PerformanceMode(%d)", int(p))
}

// ParsePerformanceMode parses the names returned by PerformanceMode.String.
func ParsePerformanceMode(s string) (PerformanceMode, error) {
	idx := slices.Index(performanceModeNames, s)
	if idx < 0 {
		return PerformanceModeDefault, status.Errorf(status.InvalidArgument, "invalid performance mode %q, valid values are %q",
			s, performanceModeNames)
	}
	return PerformanceMode(idx), nil
}

// Sleep latencies (microseconds) of the DCVS settings.
const (
	sleepMinLatency    = 40
	sleepLowLatency    = 100
	sleepMediumLatency = 1000
)

// dcvsSettings returns the DCVS v3 settings of a performance mode. The power config id is filled
// in by the caller.
func dcvsSettings(mode PerformanceMode) (qnn.DcvsV3, error) {
	settings := qnn.DcvsV3{
		DcvsEnable:   true,
		PowerMode:    qnn.DcvsPowerModePerformance,
		SleepLatency: sleepMediumLatency,
	}
	var corner qnn.VoltageCorner
	switch mode {
	case PerformanceModeBurst:
		settings.DcvsEnable = false
		settings.SleepLatency = sleepMinLatency
		settings.SleepDisable = true
		corner = qnn.VoltageCornerMaxVoltage
	case PerformanceModeSustainedHighPerformance, PerformanceModeHighPerformance:
		settings.DcvsEnable = false
		settings.SleepLatency = sleepLowLatency
		corner = qnn.VoltageCornerTurbo
	case PerformanceModeBalanced:
		corner = qnn.VoltageCornerNomPlus
	case PerformanceModeLowBalanced:
		corner = qnn.VoltageCornerNom
	case PerformanceModeHighPowerSaver:
		corner = qnn.VoltageCornerSvsPlus
	case PerformanceModePowerSaver:
		corner = qnn.VoltageCornerSvs
	case PerformanceModeLowPowerSaver:
		corner = qnn.VoltageCornerSvs2
	case PerformanceModeExtremePowerSaver:
		settings.PowerMode = qnn.DcvsPowerModePowerSaver
		corner = qnn.VoltageCornerDisable
	default:
		return qnn.DcvsV3{}, status.Errorf(status.InvalidArgument, "no DCVS settings for performance mode %s", mode)
	}
	settings.BusMinCorner, settings.BusTargetCorner, settings.BusMaxCorner = corner, corner, corner
	settings.CoreMinCorner, settings.CoreTargetCorner, settings.CoreMaxCorner = corner, corner, corner
	return settings, nil
}

// PowerConfigurator applies power and performance settings to the device, through power config ids
// created per client.
//
// It is safe for concurrent use.
type PowerConfigurator struct {
	perf qnn.PerfInfrastructure

	mu           sync.Mutex
	closed       bool
	nextClientID uint32
	ids          map[uint32]uint32 // Client id -> native power config id.
}

func newPowerConfigurator(perf qnn.PerfInfrastructure) *PowerConfigurator {
	return &PowerConfigurator{perf: perf, ids: make(map[uint32]uint32)}
}

// PowerConfigurator returns the power configurator of the device, created on first use. It fails
// with status.DeviceUnavailable if the backend has no performance infrastructure.
func (m *Manager) PowerConfigurator() (*PowerConfigurator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockedReady(); err != nil {
		return nil, err
	}
	if m.power == nil {
		perf, err := m.iface.DeviceGetInfrastructure()
		if err != nil {
			return nil, status.Wrapf(err, status.DeviceUnavailable, "backend %s has no performance infrastructure", m.backendID)
		}
		m.power = newPowerConfigurator(perf)
	}
	return m.power, nil
}

// Create creates a power config id for the device and core, and returns the client id to use it.
func (p *PowerConfigurator) Create(deviceID, coreID uint32) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.lockedReady(); err != nil {
		return 0, err
	}
	id, err := p.perf.CreatePowerConfigID(deviceID, coreID)
	if err != nil {
		return 0, status.Wrapf(err, status.Fail, "failed to create power config id for device %d, core %d", deviceID, coreID)
	}
	p.nextClientID++
	p.ids[p.nextClientID] = id
	klog.V(1).Infof("power config client %d: id %d (device %d, core %d)", p.nextClientID, id, deviceID, coreID)
	return p.nextClientID, nil
}

// lockedReady fails with status.NotInitialized once the Manager is closed: the perf
// infrastructure belongs to the unloaded backend module.
func (p *PowerConfigurator) lockedReady() error {
	if p.closed {
		return status.Errorf(status.NotInitialized, "power configurator used after its Manager was closed")
	}
	return nil
}

// lockedID must be called with p.mu held.
func (p *PowerConfigurator) lockedID(clientID uint32) (uint32, error) {
	if err := p.lockedReady(); err != nil {
		return 0, err
	}
	id, found := p.ids[clientID]
	if !found {
		return 0, status.Errorf(status.NotFound, "unknown power config client id %d", clientID)
	}
	return id, nil
}

// SetPerformanceMode applies the DCVS settings of mode. PerformanceModeDefault leaves the device
// settings untouched.
func (p *PowerConfigurator) SetPerformanceMode(clientID uint32, mode PerformanceMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := p.lockedID(clientID)
	if err != nil {
		return err
	}
	if mode == PerformanceModeDefault {
		return nil
	}
	dcvs, err := dcvsSettings(mode)
	if err != nil {
		return err
	}
	dcvs.ContextID = id
	if err := p.perf.SetPowerConfig(id, []qnn.PowerConfig{{Option: qnn.PowerConfigDcvsV3, Dcvs: dcvs}}); err != nil {
		return status.Wrapf(err, status.Fail, "failed to set performance mode %s", mode)
	}
	klog.V(1).Infof("power config client %d: performance mode %s", clientID, mode)
	return nil
}

// SetRpcControlLatency sets the RPC control latency, in microseconds. 0 leaves it untouched.
func (p *PowerConfigurator) SetRpcControlLatency(clientID, latency uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := p.lockedID(clientID)
	if err != nil {
		return err
	}
	if latency == 0 {
		return nil
	}
	if err := p.perf.SetPowerConfig(id, []qnn.PowerConfig{{Option: qnn.PowerConfigRpcControlLatency, Value: latency}}); err != nil {
		return status.Wrapf(err, status.Fail, "failed to set RPC control latency to %dus", latency)
	}
	return nil
}

// Destroy releases the power config id of clientID. Unknown ids fail with status.NotFound.
func (p *PowerConfigurator) Destroy(clientID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := p.lockedID(clientID)
	if err != nil {
		return err
	}
	return p.lockedDestroy(clientID, id)
}

func (p *PowerConfigurator) lockedDestroy(clientID, id uint32) error {
	delete(p.ids, clientID)
	if err := p.perf.DestroyPowerConfigID(id); err != nil {
		return status.Wrapf(err, status.Fail, "failed to destroy power config id %d", id)
	}
	return nil
}

// NumClients returns the number of live client ids.
func (p *PowerConfigurator) NumClients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ids)
}

// destroyAll releases every remaining power config id and closes the configurator.
func (p *PowerConfigurator) destroyAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	var firstErr error
	for _, clientID := range slices.Sorted(maps.Keys(p.ids)) {
		if err := p.lockedDestroy(clientID, p.ids[clientID]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.closed = true
	return firstErr
}
