// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package qnntest

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/go-qnn/pkg/qnn"
)

// Handle kinds tracked by Backend.LiveHandlesOf.
const (
	KindBackend = "backend"
	KindLog     = "log"
	KindDevice  = "device"
	KindContext = "context"
	KindProfile = "profile"
	KindMem     = "mem"
	KindPower   = "power"
)

// SupportedOps are the op types the fake backend accepts.
var SupportedOps = []string{"FullyConnected", "Transpose", "Convert", "Reshape"}

// Backend is a fake backend module. It implements qnn.Interface.
//
// Exported fields configure the fake and must be set before the backend is used.
type Backend struct {
	ID                qnn.BackendID
	BuildID           string
	CoreAPIVersion    qnn.Version
	BackendAPIVersion qnn.Version

	// BinaryInfoVersion written into context binaries: 1 has no blob size, 3 adds spill-fill info.
	BinaryInfoVersion uint32

	// NoDeviceProperty makes the backend report no device-property capability.
	NoDeviceProperty bool

	// NoExtendedProfile makes the backend report no extended profiling event support.
	NoExtendedProfile bool

	// NoPerfInfrastructure makes DeviceGetInfrastructure fail.
	NoPerfInfrastructure bool

	memory *SharedMemory

	mu            sync.Mutex
	nextHandle    uintptr
	live          map[uintptr]string
	failures      map[string]qnn.ErrorCode
	logs          map[qnn.LogHandle]*fakeLog
	deviceConfigs []qnn.DeviceConfig
	contexts      map[qnn.ContextHandle]*fakeContext
	graphs        map[qnn.GraphHandle]*fakeGraph
	profiles      map[qnn.ProfileHandle]*fakeProfile
	events        map[qnn.ProfileEventID]*fakeEvent
	brokenEvents  map[string]bool
	timestamp     uint64
	mems          map[qnn.MemHandle]memEntry
	numMemReg     int
	numValidated  int
	power         *PerfInfrastructure
}

type fakeLog struct {
	callback qnn.LogCallback
	level    qnn.LogLevel
}

type fakeContext struct {
	handle  qnn.ContextHandle
	configs []qnn.ContextConfig
	graphs  []*fakeGraph
	loaded  bool
}

type fakeGraph struct {
	handle    qnn.GraphHandle
	context   *fakeContext
	name      string
	configs   []qnn.GraphConfig
	tensors   []*qnn.Tensor
	ops       []*qnn.OpConfig
	finalized bool
}

type fakeProfile struct {
	level qnn.ProfileLevel
	roots []qnn.ProfileEventID
}

type fakeEvent struct {
	data qnn.ProfileExtendedEventData
	subs []qnn.ProfileEventID
}

type memEntry struct {
	context    qnn.ContextHandle
	descriptor qnn.MemDescriptor
}

// NewBackend creates a fake backend of the given type, reading registered memory from memory
// (which may be nil if mem handles are not used).
func NewBackend(id qnn.BackendID, memory *SharedMemory) *Backend {
	return &Backend{
		ID:                id,
		BuildID:           "v2.26.0.240828-fake",
		CoreAPIVersion:    qnn.Version{Major: 2, Minor: 20, Patch: 0},
		BackendAPIVersion: qnn.Version{Major: 5, Minor: 26, Patch: 0},
		BinaryInfoVersion: 3,
		memory:            memory,
		nextHandle:        0x1000,
		live:              make(map[uintptr]string),
		failures:          make(map[string]qnn.ErrorCode),
		logs:              make(map[qnn.LogHandle]*fakeLog),
		contexts:          make(map[qnn.ContextHandle]*fakeContext),
		graphs:            make(map[qnn.GraphHandle]*fakeGraph),
		profiles:          make(map[qnn.ProfileHandle]*fakeProfile),
		events:            make(map[qnn.ProfileEventID]*fakeEvent),
		brokenEvents:      make(map[string]bool),
		mems:              make(map[qnn.MemHandle]memEntry),
	}
}

func (b *Backend) providers() []qnn.InterfaceProvider {
	return []qnn.InterfaceProvider{{
		Name:              fmt.Sprintf("fake_%s", b.ID),
		BackendID:         b.ID,
		CoreAPIVersion:    b.CoreAPIVersion,
		BackendAPIVersion: b.BackendAPIVersion,
		Interface:         b,
	}}
}

var _ qnn.Interface = (*Backend)(nil)

// FailOn makes every following call to the native function funcName (SDK naming, e.g.
// "deviceCreate") fail with code. Code qnn.Success clears the failure.
func (b *Backend) FailOn(funcName string, code qnn.ErrorCode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if code == qnn.Success {
		delete(b.failures, funcName)
		return
	}
	b.failures[funcName] = code
}

// BreakEvent makes reading the data of profile events with the given identifier fail.
func (b *Backend) BreakEvent(identifier string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.brokenEvents[identifier] = true
}

// lockedCheck returns the injected failure for funcName, if any. It must be called with b.mu held.
func (b *Backend) lockedCheck(funcName string) error {
	if code, found := b.failures[funcName]; found {
		return &qnn.CallError{Func: funcName, Code: code, Message: b.message(code)}
	}
	return nil
}

func (b *Backend) message(code qnn.ErrorCode) string {
	switch code {
	case qnn.ErrorCommonGeneral:
		return "general error"
	case qnn.ErrorCommonNotSupported:
		return "not supported"
	case qnn.ErrorCommonMemAlloc:
		return "memory allocation failed"
	case qnn.ErrorDeviceUnsupportedFeature:
		return "device feature unsupported"
	case qnn.ErrorContextBinaryVersion:
		return "context binary version incompatible"
	case qnn.ErrorMemAlreadyRegistered:
		return "memory already registered"
	}
	return ""
}

func (b *Backend) fail(funcName string, code qnn.ErrorCode) error {
	return &qnn.CallError{Func: funcName, Code: code, Message: b.message(code)}
}

// lockedNewHandle must be called with b.mu held.
func (b *Backend) lockedNewHandle(kind string) uintptr {
	b.nextHandle += 8
	b.live[b.nextHandle] = kind
	return b.nextHandle
}

// lockedFree must be called with b.mu held.
func (b *Backend) lockedFree(funcName string, h uintptr, kind string) error {
	if b.live[h] != kind {
		return b.fail(funcName, qnn.ErrorCommonGeneral)
	}
	delete(b.live, h)
	return nil
}

// LiveHandles returns the number of native handles not yet freed.
func (b *Backend) LiveHandles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// LiveHandlesOf returns the number of native handles of the given kind not yet freed.
func (b *Backend) LiveHandlesOf(kind string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, k := range b.live {
		if k == kind {
			n++
		}
	}
	return n
}

// PropertyHasCapability implements qnn.Interface.
func (b *Backend) PropertyHasCapability(key qnn.PropertyKey) bool {
	switch key {
	case qnn.PropertyGroupDevice:
		return !b.NoDeviceProperty
	case qnn.PropertyProfileSupportsExtendedEvent:
		return !b.NoExtendedProfile
	case qnn.PropertyContextSupportsBinaryCaching:
		return true
	}
	return false
}

// BackendCreate implements qnn.Interface.
func (b *Backend) BackendCreate(log qnn.LogHandle) (qnn.BackendHandle, error) {
	b.mu.Lock()
	if err := b.lockedCheck("backendCreate"); err != nil {
		b.mu.Unlock()
		return 0, err
	}
	h := qnn.BackendHandle(b.lockedNewHandle(KindBackend))
	var callback qnn.LogCallback
	if l := b.logs[log]; l != nil && l.level >= qnn.LogLevelInfo {
		callback = l.callback
	}
	b.mu.Unlock()
	if callback != nil {
		callback(qnn.LogLevelInfo, 0, fmt.Sprintf("fake %s backend created", b.ID))
	}
	return h, nil
}

// BackendGetBuildID implements qnn.Interface.
func (b *Backend) BackendGetBuildID() (string, error) { return b.BuildID, nil }

// BackendValidateOpConfig implements qnn.Interface.
func (b *Backend) BackendValidateOpConfig(backend qnn.BackendHandle, op *qnn.OpConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("backendValidateOpConfig"); err != nil {
		return err
	}
	if b.live[uintptr(backend)] != KindBackend {
		return b.fail("backendValidateOpConfig", qnn.ErrorCommonGeneral)
	}
	b.numValidated++
	if !slices.Contains(SupportedOps, op.TypeName) {
		return b.fail("backendValidateOpConfig", qnn.ErrorCommonNotSupported)
	}
	return nil
}

// NumValidated returns how many op configs were validated with BackendValidateOpConfig.
func (b *Backend) NumValidated() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numValidated
}

// BackendFree implements qnn.Interface.
func (b *Backend) BackendFree(backend qnn.BackendHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lockedFree("backendFree", uintptr(backend), KindBackend)
}

// LogCreate implements qnn.Interface.
func (b *Backend) LogCreate(callback qnn.LogCallback, level qnn.LogLevel) (qnn.LogHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("logCreate"); err != nil {
		return 0, err
	}
	h := qnn.LogHandle(b.lockedNewHandle(KindLog))
	b.logs[h] = &fakeLog{callback: callback, level: level}
	return h, nil
}

// LogSetLogLevel implements qnn.Interface.
func (b *Backend) LogSetLogLevel(log qnn.LogHandle, level qnn.LogLevel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("logSetLogLevel"); err != nil {
		return err
	}
	l, found := b.logs[log]
	if !found {
		return b.fail("logSetLogLevel", qnn.ErrorCommonGeneral)
	}
	l.level = level
	return nil
}

// LogLevel returns the current level of the (single) live log handle, or 0 if there is none.
func (b *Backend) LogLevel() qnn.LogLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.logs {
		return l.level
	}
	return 0
}

// LogFree implements qnn.Interface.
func (b *Backend) LogFree(log qnn.LogHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.logs, log)
	return b.lockedFree("logFree", uintptr(log), KindLog)
}

// DeviceCreate implements qnn.Interface.
func (b *Backend) DeviceCreate(_ qnn.LogHandle, configs []qnn.DeviceConfig) (qnn.DeviceHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("deviceCreate"); err != nil {
		return 0, err
	}
	b.deviceConfigs = slices.Clone(configs)
	return qnn.DeviceHandle(b.lockedNewHandle(KindDevice)), nil
}

// DeviceConfigs returns the custom configs of the last created device.
func (b *Backend) DeviceConfigs() []qnn.DeviceConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.deviceConfigs)
}

// DeviceFree implements qnn.Interface.
func (b *Backend) DeviceFree(device qnn.DeviceHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lockedFree("deviceFree", uintptr(device), KindDevice)
}

// DeviceGetInfrastructure implements qnn.Interface.
func (b *Backend) DeviceGetInfrastructure() (qnn.PerfInfrastructure, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NoPerfInfrastructure {
		return nil, b.fail("deviceGetInfrastructure", qnn.ErrorCommonNotSupported)
	}
	if b.power == nil {
		b.power = &PerfInfrastructure{backend: b, configs: make(map[uint32][]qnn.PowerConfig)}
	}
	return b.power, nil
}

// Power returns the fake performance infrastructure, creating it if needed.
func (b *Backend) Power() *PerfInfrastructure {
	infra, err := b.DeviceGetInfrastructure()
	if err != nil {
		return nil
	}
	return infra.(*PerfInfrastructure)
}

// ContextCreate implements qnn.Interface.
func (b *Backend) ContextCreate(backend qnn.BackendHandle, device qnn.DeviceHandle, configs []qnn.ContextConfig) (qnn.ContextHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("contextCreate"); err != nil {
		return 0, err
	}
	if b.live[uintptr(backend)] != KindBackend || (device != 0 && b.live[uintptr(device)] != KindDevice) {
		return 0, b.fail("contextCreate", qnn.ErrorCommonGeneral)
	}
	h := qnn.ContextHandle(b.lockedNewHandle(KindContext))
	b.contexts[h] = &fakeContext{handle: h, configs: slices.Clone(configs)}
	return h, nil
}

// ContextConfigs returns the configs a live context was created with.
func (b *Backend) ContextConfigs(context qnn.ContextHandle) []qnn.ContextConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, found := b.contexts[context]; found {
		return slices.Clone(c.configs)
	}
	return nil
}

// ContextFree implements qnn.Interface.
func (b *Backend) ContextFree(context qnn.ContextHandle, _ qnn.ProfileHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("contextFree"); err != nil {
		return err
	}
	c, found := b.contexts[context]
	if !found {
		return b.fail("contextFree", qnn.ErrorCommonGeneral)
	}
	for _, g := range c.graphs {
		delete(b.graphs, g.handle)
	}
	for h, m := range b.mems {
		if m.context == context {
			// The real backend frees leftover registrations with the context.
			delete(b.mems, h)
			delete(b.live, uintptr(h))
		}
	}
	delete(b.contexts, context)
	return b.lockedFree("contextFree", uintptr(context), KindContext)
}

// GraphCreate implements qnn.Interface.
func (b *Backend) GraphCreate(context qnn.ContextHandle, name string, configs []qnn.GraphConfig) (qnn.GraphHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("graphCreate"); err != nil {
		return 0, err
	}
	c, found := b.contexts[context]
	if !found || name == "" {
		return 0, b.fail("graphCreate", qnn.ErrorCommonGeneral)
	}
	for _, g := range c.graphs {
		if g.name == name {
			return 0, b.fail("graphCreate", qnn.ErrorCommonGeneral)
		}
	}
	return b.lockedAddGraph(c, name, configs).handle, nil
}

func (b *Backend) lockedAddGraph(c *fakeContext, name string, configs []qnn.GraphConfig) *fakeGraph {
	b.nextHandle += 8
	g := &fakeGraph{handle: qnn.GraphHandle(b.nextHandle), context: c, name: name, configs: slices.Clone(configs)}
	c.graphs = append(c.graphs, g)
	b.graphs[g.handle] = g
	return g
}

// GraphRetrieve implements qnn.Interface.
func (b *Backend) GraphRetrieve(context qnn.ContextHandle, name string) (qnn.GraphHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, found := b.contexts[context]
	if !found {
		return 0, b.fail("graphRetrieve", qnn.ErrorCommonGeneral)
	}
	for _, g := range c.graphs {
		if g.name == name {
			return g.handle, nil
		}
	}
	return 0, b.fail("graphRetrieve", qnn.ErrorCommonGeneral)
}

// GraphNames returns the names of the graphs of a live context, in creation order.
func (b *Backend) GraphNames(context qnn.ContextHandle) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, found := b.contexts[context]
	if !found {
		return nil
	}
	names := make([]string, 0, len(c.graphs))
	for _, g := range c.graphs {
		names = append(names, g.name)
	}
	return names
}

// GraphOps returns the op types of the graph, in insertion order.
func (b *Backend) GraphOps(graph qnn.GraphHandle) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, found := b.graphs[graph]
	if !found {
		return nil
	}
	types := make([]string, 0, len(g.ops))
	for _, op := range g.ops {
		types = append(types, op.TypeName)
	}
	return types
}

// TensorCreateGraphTensor implements qnn.Interface.
func (b *Backend) TensorCreateGraphTensor(graph qnn.GraphHandle, tensor *qnn.Tensor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("tensorCreateGraphTensor"); err != nil {
		return err
	}
	g, found := b.graphs[graph]
	if !found || g.finalized || tensor.Name == "" {
		return b.fail("tensorCreateGraphTensor", qnn.ErrorCommonGeneral)
	}
	if g.tensor(tensor.Name) != nil {
		return b.fail("tensorCreateGraphTensor", qnn.ErrorCommonGeneral)
	}
	if tensor.Type == qnn.TensorTypeStatic {
		want := tensor.NumElements() * tensor.DataType.Size()
		if len(tensor.ClientBuf) != want {
			return &qnn.CallError{Func: "tensorCreateGraphTensor", Code: qnn.ErrorCommonGeneral,
				Message: fmt.Sprintf("static tensor %q has %d bytes, wants %d", tensor.Name, len(tensor.ClientBuf), want)}
		}
	}
	tensor.ID = uint32(len(g.tensors) + 1)
	g.tensors = append(g.tensors, cloneTensor(tensor))
	return nil
}

func (g *fakeGraph) tensor(name string) *qnn.Tensor {
	for _, t := range g.tensors {
		if t.Name == name {
			return t
		}
	}
	return nil
}

func (g *fakeGraph) tensorByID(id uint32) *qnn.Tensor {
	if id == 0 || int(id) > len(g.tensors) {
		return nil
	}
	return g.tensors[id-1]
}

func cloneTensor(t *qnn.Tensor) *qnn.Tensor {
	c := *t
	c.Dimensions = slices.Clone(t.Dimensions)
	c.ClientBuf = slices.Clone(t.ClientBuf)
	c.Quantize.ScaleOffsets = slices.Clone(t.Quantize.ScaleOffsets)
	return &c
}

// GraphAddNode implements qnn.Interface.
func (b *Backend) GraphAddNode(graph qnn.GraphHandle, op *qnn.OpConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("graphAddNode"); err != nil {
		return err
	}
	g, found := b.graphs[graph]
	if !found || g.finalized || !slices.Contains(SupportedOps, op.TypeName) {
		return b.fail("graphAddNode", qnn.ErrorCommonGeneral)
	}
	for _, ts := range [][]qnn.Tensor{op.Inputs, op.Outputs} {
		for _, t := range ts {
			if g.tensor(t.Name) == nil {
				return &qnn.CallError{Func: "graphAddNode", Code: qnn.ErrorCommonGeneral,
					Message: fmt.Sprintf("node %q references unknown tensor %q", op.Name, t.Name)}
			}
		}
	}
	stored := *op
	stored.Inputs = slices.Clone(op.Inputs)
	stored.Outputs = slices.Clone(op.Outputs)
	stored.Params = slices.Clone(op.Params)
	g.ops = append(g.ops, &stored)
	return nil
}

// GraphFinalize implements qnn.Interface.
func (b *Backend) GraphFinalize(graph qnn.GraphHandle, profile qnn.ProfileHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("graphFinalize"); err != nil {
		return err
	}
	g, found := b.graphs[graph]
	if !found || g.finalized {
		return b.fail("graphFinalize", qnn.ErrorCommonGeneral)
	}
	g.finalized = true
	b.lockedRecordEvents(profile, qnn.ProfileEventTypeFinalize, g)
	return nil
}

// GraphExecute implements qnn.Interface.
func (b *Backend) GraphExecute(graph qnn.GraphHandle, inputs, outputs []qnn.Tensor, profile qnn.ProfileHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("graphExecute"); err != nil {
		return err
	}
	g, found := b.graphs[graph]
	if !found || !g.finalized {
		return b.fail("graphExecute", qnn.ErrorCommonGeneral)
	}
	if err := b.lockedExecute(g, inputs, outputs); err != nil {
		return err
	}
	b.lockedRecordEvents(profile, qnn.ProfileEventTypeExecute, g)
	return nil
}

// ContextGetBinarySize implements qnn.Interface.
func (b *Backend) ContextGetBinarySize(context qnn.ContextHandle) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("contextGetBinarySize"); err != nil {
		return 0, err
	}
	c, found := b.contexts[context]
	if !found {
		return 0, b.fail("contextGetBinarySize", qnn.ErrorCommonGeneral)
	}
	return uint64(len(b.lockedEncodeContext(c))), nil
}

// ContextGetBinary implements qnn.Interface.
func (b *Backend) ContextGetBinary(context qnn.ContextHandle, buffer []byte) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("contextGetBinary"); err != nil {
		return 0, err
	}
	c, found := b.contexts[context]
	if !found {
		return 0, b.fail("contextGetBinary", qnn.ErrorCommonGeneral)
	}
	for _, g := range c.graphs {
		if !g.finalized {
			return 0, &qnn.CallError{Func: "contextGetBinary", Code: qnn.ErrorContextNoBinary,
				Message: fmt.Sprintf("graph %q not finalized", g.name)}
		}
	}
	blob := b.lockedEncodeContext(c)
	if len(buffer) < len(blob) {
		return 0, b.fail("contextGetBinary", qnn.ErrorCommonMemAlloc)
	}
	return uint64(copy(buffer, blob)), nil
}

// ContextCreateFromBinary implements qnn.Interface.
func (b *Backend) ContextCreateFromBinary(backend qnn.BackendHandle, device qnn.DeviceHandle, configs []qnn.ContextConfig,
	binary []byte, profile qnn.ProfileHandle) (qnn.ContextHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("contextCreateFromBinary"); err != nil {
		return 0, err
	}
	if b.live[uintptr(backend)] != KindBackend {
		return 0, b.fail("contextCreateFromBinary", qnn.ErrorCommonGeneral)
	}
	dc, err := decodeContext(binary)
	if err != nil {
		return 0, &qnn.CallError{Func: "contextCreateFromBinary", Code: qnn.ErrorContextBinaryVersion, Message: err.Error()}
	}
	if dc.info.BackendID != b.ID {
		return 0, &qnn.CallError{Func: "contextCreateFromBinary", Code: qnn.ErrorContextBinaryVersion,
			Message: fmt.Sprintf("binary built for backend %s", dc.info.BackendID)}
	}
	h := qnn.ContextHandle(b.lockedNewHandle(KindContext))
	c := &fakeContext{handle: h, configs: slices.Clone(configs), loaded: true}
	b.contexts[h] = c
	for _, dg := range dc.graphs {
		g := b.lockedAddGraph(c, dg.name, nil)
		g.tensors = dg.tensors
		g.ops = dg.ops
		g.finalized = true
	}
	b.lockedRecordEvents(profile, qnn.ProfileEventTypeInit, nil)
	return h, nil
}

// ProfileCreate implements qnn.Interface.
func (b *Backend) ProfileCreate(backend qnn.BackendHandle, level qnn.ProfileLevel) (qnn.ProfileHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("profileCreate"); err != nil {
		return 0, err
	}
	if b.live[uintptr(backend)] != KindBackend {
		return 0, b.fail("profileCreate", qnn.ErrorCommonGeneral)
	}
	h := qnn.ProfileHandle(b.lockedNewHandle(KindProfile))
	b.profiles[h] = &fakeProfile{level: level}
	return h, nil
}

// ProfileLevel returns the level of a live profile handle, or 0.
func (b *Backend) ProfileLevel(profile qnn.ProfileHandle) qnn.ProfileLevel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, found := b.profiles[profile]; found {
		return p.level
	}
	return 0
}

// lockedRecordEvents appends a root event of the given type, with one sub-event per node of g
// when the profile is detailed. It must be called with b.mu held.
func (b *Backend) lockedRecordEvents(profile qnn.ProfileHandle, eventType qnn.ProfileEventType, g *fakeGraph) {
	p, found := b.profiles[profile]
	if !found {
		return
	}
	newEvent := func(t qnn.ProfileEventType, identifier string, value uint64) qnn.ProfileEventID {
		b.timestamp += 10
		id := qnn.ProfileEventID(len(b.events) + 1)
		b.events[id] = &fakeEvent{data: qnn.ProfileExtendedEventData{
			Type:       t,
			Value:      qnn.Uint64Scalar(value),
			Timestamp:  b.timestamp,
			Unit:       qnn.ProfileEventUnitMicrosec,
			Identifier: identifier,
		}}
		return id
	}
	name := "context"
	var numOps int
	if g != nil {
		name = g.name
		numOps = len(g.ops)
	}
	root := newEvent(eventType, name, uint64(10*(numOps+1)))
	if p.level == qnn.ProfileLevelDetailed && g != nil {
		for _, op := range g.ops {
			sub := newEvent(qnn.ProfileEventTypeNode, op.Name, 10)
			b.events[root].subs = append(b.events[root].subs, sub)
		}
	}
	p.roots = append(p.roots, root)
}

// ProfileGetEvents implements qnn.Interface. Returned events are drained from the profile.
func (b *Backend) ProfileGetEvents(profile qnn.ProfileHandle) ([]qnn.ProfileEventID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("profileGetEvents"); err != nil {
		return nil, err
	}
	p, found := b.profiles[profile]
	if !found {
		return nil, b.fail("profileGetEvents", qnn.ErrorCommonGeneral)
	}
	roots := p.roots
	p.roots = nil
	return roots, nil
}

// ProfileGetSubEvents implements qnn.Interface.
func (b *Backend) ProfileGetSubEvents(event qnn.ProfileEventID) ([]qnn.ProfileEventID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, found := b.events[event]
	if !found {
		return nil, b.fail("profileGetSubEvents", qnn.ErrorCommonGeneral)
	}
	return slices.Clone(e.subs), nil
}

// ProfileGetEventData implements qnn.Interface.
func (b *Backend) ProfileGetEventData(event qnn.ProfileEventID) (qnn.ProfileEventData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, found := b.events[event]
	if !found || b.brokenEvents[e.data.Identifier] {
		return qnn.ProfileEventData{}, b.fail("profileGetEventData", qnn.ErrorCommonGeneral)
	}
	return qnn.ProfileEventData{
		Type:       e.data.Type,
		Value:      e.data.Value.Bits(),
		Unit:       e.data.Unit,
		Identifier: e.data.Identifier,
	}, nil
}

// ProfileGetExtendedEventData implements qnn.Interface.
func (b *Backend) ProfileGetExtendedEventData(event qnn.ProfileEventID) (qnn.ProfileExtendedEventData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.NoExtendedProfile {
		return qnn.ProfileExtendedEventData{}, b.fail("profileGetExtendedEventData", qnn.ErrorCommonNotSupported)
	}
	e, found := b.events[event]
	if !found || b.brokenEvents[e.data.Identifier] {
		return qnn.ProfileExtendedEventData{}, b.fail("profileGetExtendedEventData", qnn.ErrorCommonGeneral)
	}
	return e.data, nil
}

// ProfileFree implements qnn.Interface.
func (b *Backend) ProfileFree(profile qnn.ProfileHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.profiles, profile)
	return b.lockedFree("profileFree", uintptr(profile), KindProfile)
}

// MemRegister implements qnn.Interface.
func (b *Backend) MemRegister(context qnn.ContextHandle, descriptor qnn.MemDescriptor) (qnn.MemHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("memRegister"); err != nil {
		return 0, err
	}
	if _, found := b.contexts[context]; !found {
		return 0, b.fail("memRegister", qnn.ErrorCommonGeneral)
	}
	if b.memory == nil {
		return 0, b.fail("memRegister", qnn.ErrorCommonNotSupported)
	}
	size := uint64(descriptor.DataType.Size())
	for _, d := range descriptor.Dimensions {
		size *= uint64(d)
	}
	if _, err := b.memory.bytes(descriptor.FD, descriptor.Offset, size); err != nil {
		return 0, &qnn.CallError{Func: "memRegister", Code: qnn.ErrorCommonGeneral, Message: err.Error()}
	}
	h := qnn.MemHandle(b.lockedNewHandle(KindMem))
	b.mems[h] = memEntry{context: context, descriptor: descriptor}
	b.numMemReg++
	return h, nil
}

// NumMemRegistrations returns how many times MemRegister succeeded.
func (b *Backend) NumMemRegistrations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.numMemReg
}

// MemDeRegister implements qnn.Interface.
func (b *Backend) MemDeRegister(mem qnn.MemHandle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("memDeRegister"); err != nil {
		return err
	}
	delete(b.mems, mem)
	return b.lockedFree("memDeRegister", uintptr(mem), KindMem)
}

// ErrorGetMessage implements qnn.Interface.
func (b *Backend) ErrorGetMessage(code qnn.ErrorCode) string {
	return b.message(code)
}

// PerfInfrastructure is the fake power-configuration table of a Backend.
type PerfInfrastructure struct {
	backend *Backend
	nextID  uint32
	configs map[uint32][]qnn.PowerConfig
}

var _ qnn.PerfInfrastructure = (*PerfInfrastructure)(nil)

// CreatePowerConfigID implements qnn.PerfInfrastructure.
func (p *PerfInfrastructure) CreatePowerConfigID(deviceID, coreID uint32) (uint32, error) {
	b := p.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("createPowerConfigId"); err != nil {
		return 0, err
	}
	p.nextID++
	p.configs[p.nextID] = nil
	b.live[uintptr(0xF0000000)+uintptr(p.nextID)] = KindPower
	return p.nextID, nil
}

// DestroyPowerConfigID implements qnn.PerfInfrastructure.
func (p *PerfInfrastructure) DestroyPowerConfigID(id uint32) error {
	b := p.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, found := p.configs[id]; !found {
		return b.fail("destroyPowerConfigId", qnn.ErrorCommonGeneral)
	}
	delete(p.configs, id)
	return b.lockedFree("destroyPowerConfigId", uintptr(0xF0000000)+uintptr(id), KindPower)
}

// SetPowerConfig implements qnn.PerfInfrastructure.
func (p *PerfInfrastructure) SetPowerConfig(id uint32, configs []qnn.PowerConfig) error {
	b := p.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheck("setPowerConfig"); err != nil {
		return err
	}
	if _, found := p.configs[id]; !found {
		return b.fail("setPowerConfig", qnn.ErrorCommonGeneral)
	}
	p.configs[id] = append(p.configs[id], configs...)
	return nil
}

// Configs returns every config applied to the power config id, in order.
func (p *PerfInfrastructure) Configs(id uint32) []qnn.PowerConfig {
	b := p.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(p.configs[id])
}
