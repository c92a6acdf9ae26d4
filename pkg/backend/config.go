// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/go-qnn/internal/dynlib"
	"github.com/gomlx/go-qnn/pkg/logging"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/pkg/errors"
)

// ProfilingLevel of backend profiling.
type ProfilingLevel int

const (
	ProfilingOff ProfilingLevel = iota
	ProfilingBasic
	ProfilingDetailed
)

// String implements fmt.Stringer.
func (l ProfilingLevel) String() string {
	switch l {
	case ProfilingOff:
		return "off"
	case ProfilingBasic:
		return "basic"
	case ProfilingDetailed:
		return "detailed"
	}
	return fmt.Sprintf("ProfilingLevel(%d)", int(l))
}

// ParseProfilingLevel parses "off", "basic" or "detailed".
func ParseProfilingLevel(s string) (ProfilingLevel, error) {
	for _, l := range []ProfilingLevel{ProfilingOff, ProfilingBasic, ProfilingDetailed} {
		if strings.EqualFold(s, l.String()) {
			return l, nil
		}
	}
	return ProfilingOff, status.Errorf(status.InvalidArgument, "invalid profiling level %q, valid values are off, basic, detailed", s)
}

// native returns the level of the native profile handle, and false for ProfilingOff.
func (l ProfilingLevel) native() (qnn.ProfileLevel, bool) {
	switch l {
	case ProfilingBasic:
		return qnn.ProfileLevelBasic, true
	case ProfilingDetailed:
		return qnn.ProfileLevelDetailed, true
	}
	return 0, false
}

// ContextPriority of the contexts created or loaded by a Manager.
type ContextPriority int

const (
	// PriorityDefault leaves the choice to the backend, which uses normal priority.
	PriorityDefault ContextPriority = iota
	PriorityLow
	PriorityNormal
	PriorityNormalHigh
	PriorityHigh
)

var priorityNames = []string{"default", "low", "normal", "normal_high", "high"}

// String implements fmt.Stringer.
func (p ContextPriority) String() string {
	if p >= 0 && int(p) < len(priorityNames) {
		return priorityNames[p]
	}
	return fmt.Sprintf("ContextPriority(%d)", int(p))
}

// ParseContextPriority parses "low", "normal", "normal_high" or "high".
func ParseContextPriority(s string) (ContextPriority, error) {
	idx := slices.Index(priorityNames, strings.ToLower(s))
	if idx <= 0 {
		return PriorityDefault, status.Errorf(status.InvalidArgument,
			"invalid context priority %q, valid values are low, normal, normal_high, high", s)
	}
	return ContextPriority(idx), nil
}

// native returns the SDK priority value.
func (p ContextPriority) native() qnn.Priority {
	switch p {
	case PriorityLow:
		return qnn.PriorityLow
	case PriorityNormalHigh:
		return qnn.PriorityNormalHigh
	case PriorityHigh:
		return qnn.PriorityHigh
	}
	return qnn.PriorityNormal
}

// Config of a Manager.
//
// The zero value is usable: it loads the platform's default HTP backend module with profiling off
// and normal context priority.
type Config struct {
	// BackendPath of the backend module. Defaults to dynlib.DefaultBackendLib.
	BackendPath string

	// SystemLibPath of the system module, loaded when inspecting context binaries. Defaults to
	// dynlib.DefaultSystemLib.
	SystemLibPath string

	// ProfilingLevel requested by the user, and ProfilingLevelETW requested by a trace session. The
	// effective level is the most detailed of the two.
	ProfilingLevel    ProfilingLevel
	ProfilingLevelETW ProfilingLevel

	// ProfilingFilePath is the CSV file profiling events are appended to. If empty, events are only
	// sent to the trace sink (when enabled).
	ProfilingFilePath string

	// ContextPriority of every context created or loaded.
	ContextPriority ContextPriority

	// Serializer, if set, replaces execution by the serialization of the graphs (IR or Saver backend).
	Serializer SerializerConfig

	// DeviceID, HtpArch and SocModel configure HTP devices.
	DeviceID uint32
	HtpArch  qnn.HtpArch
	SocModel uint32

	// Logger receives the backend's log records. Defaults to logging.Default().
	Logger logging.Logger

	// Opener loads modules. Defaults to dynlib.Default().
	Opener dynlib.Opener

	// Resolver reads the provider tables of loaded modules. Defaults to the C ABI resolver.
	Resolver qnn.ProviderResolver

	// SharedMemory is the allocator of shared buffers, used to register mem handles. Optional.
	SharedMemory AllocationTracker
}

// GOQNN_CONFIG is the environment variable with the default configuration string.
// See ParseConfig for the format.
const GOQNN_CONFIG = "GOQNN_CONFIG"

// DefaultConfig is the configuration string used by ConfigFromEnv when GOQNN_CONFIG is not set.
var DefaultConfig string

// Configuration keys accepted by ParseConfig.
const (
	KeyBackendPath       = "backend_path"
	KeySystemLibPath     = "system_lib_path"
	KeyProfilingLevel    = "profiling_level"
	KeyProfilingLevelETW = "profiling_level_etw"
	KeyProfilingFilePath = "profiling_file_path"
	KeyContextPriority   = "qnn_context_priority"
	KeyDeviceID          = "device_id"
	KeyHtpArch           = "htp_arch"
	KeySocModel          = "soc_model"
	KeyDumpIRDLC         = "dump_qnn_ir_dlc"
	KeyDumpIRDLCDir      = "dump_qnn_ir_dlc_dir"
	KeyIRBackendPath     = "qnn_ir_backend_path"
	KeySaverPath         = "qnn_saver_path"
)

// ParseConfig parses a configuration string of the form "key=value;key=value". Empty entries are
// ignored, and unknown keys fail with status.InvalidArgument.
//
// Keys: backend_path, system_lib_path, profiling_level (off|basic|detailed), profiling_level_etw,
// profiling_file_path, qnn_context_priority (low|normal|normal_high|high), device_id, htp_arch
// (0, 68, 69, 73, 75), soc_model, dump_qnn_ir_dlc (0|1), dump_qnn_ir_dlc_dir, qnn_ir_backend_path
// and qnn_saver_path.
func ParseConfig(s string) (Config, error) {
	var (
		config       Config
		dumpDLC      bool
		dlcDir       string
		irBackend    string
		saverBackend string
	)
	for entry := range strings.SplitSeq(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, value, found := strings.Cut(entry, "=")
		if !found {
			return Config{}, status.Errorf(status.InvalidArgument, "config entry %q is not of the form key=value", entry)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		var err error
		switch key {
		case KeyBackendPath:
			config.BackendPath = value
		case KeySystemLibPath:
			config.SystemLibPath = value
		case KeyProfilingLevel:
			config.ProfilingLevel, err = ParseProfilingLevel(value)
		case KeyProfilingLevelETW:
			config.ProfilingLevelETW, err = ParseProfilingLevel(value)
		case KeyProfilingFilePath:
			config.ProfilingFilePath = value
		case KeyContextPriority:
			config.ContextPriority, err = ParseContextPriority(value)
		case KeyDeviceID:
			config.DeviceID, err = parseUint32(key, value)
		case KeySocModel:
			config.SocModel, err = parseUint32(key, value)
		case KeyHtpArch:
			var arch uint32
			arch, err = parseUint32(key, value)
			config.HtpArch = qnn.HtpArch(arch)
			if err == nil && !slices.Contains([]qnn.HtpArch{qnn.HtpArchNone, qnn.HtpArchV68, qnn.HtpArchV69,
				qnn.HtpArchV73, qnn.HtpArchV75}, config.HtpArch) {
				err = status.Errorf(status.InvalidArgument, "invalid %s %q", key, value)
			}
		case KeyDumpIRDLC:
			switch value {
			case "1":
				dumpDLC = true
			case "0":
				dumpDLC = false
			default:
				err = status.Errorf(status.InvalidArgument, "invalid %s %q, must be 0 or 1", key, value)
			}
		case KeyDumpIRDLCDir:
			dlcDir = value
		case KeyIRBackendPath:
			irBackend = value
		case KeySaverPath:
			saverBackend = value
		default:
			return Config{}, status.Errorf(status.InvalidArgument, "unknown config key %q", key)
		}
		if err != nil {
			return Config{}, err
		}
	}
	switch {
	case dumpDLC && saverBackend != "":
		return Config{}, status.Errorf(status.InvalidArgument, "%s and %s can't be used together", KeyDumpIRDLC, KeySaverPath)
	case dumpDLC:
		if irBackend == "" {
			irBackend = dynlib.DefaultIRBackendLib
		}
		config.Serializer = NewIRSerializer(irBackend, dlcDir)
	case saverBackend != "":
		config.Serializer = NewSaverSerializer(saverBackend)
	case dlcDir != "" || irBackend != "":
		return Config{}, status.Errorf(status.InvalidArgument, "%s and %s require %s=1",
			KeyDumpIRDLCDir, KeyIRBackendPath, KeyDumpIRDLC)
	}
	return config, nil
}

func parseUint32(key, value string) (uint32, error) {
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, status.Wrapf(err, status.InvalidArgument, "invalid %s %q", key, value)
	}
	return uint32(v), nil
}

// ConfigFromEnv parses the configuration in the environment variable GOQNN_CONFIG, or DefaultConfig
// if it is not set.
func ConfigFromEnv() (Config, error) {
	s, found := os.LookupEnv(GOQNN_CONFIG)
	if !found {
		s = DefaultConfig
	}
	config, err := ParseConfig(s)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "parsing $%s", GOQNN_CONFIG)
	}
	return config, nil
}

// withDefaults returns a copy of c with the default values filled in.
func (c Config) withDefaults() Config {
	if c.BackendPath == "" {
		c.BackendPath = dynlib.DefaultBackendLib
	}
	if c.SystemLibPath == "" {
		c.SystemLibPath = dynlib.DefaultSystemLib
	}
	if c.ContextPriority == PriorityDefault {
		c.ContextPriority = PriorityNormal
	}
	if c.Logger == nil {
		c.Logger = logging.Default()
	}
	return c
}

// Key returns a canonical string of the configuration values (not of the injected dependencies),
// such that two configurations with the same Key can share a Manager.
func (c Config) Key() string {
	c = c.withDefaults()
	parts := []string{
		KeyBackendPath + "=" + c.BackendPath,
		KeySystemLibPath + "=" + c.SystemLibPath,
		KeyProfilingLevel + "=" + c.ProfilingLevel.String(),
		KeyProfilingLevelETW + "=" + c.ProfilingLevelETW.String(),
		KeyProfilingFilePath + "=" + c.ProfilingFilePath,
		KeyContextPriority + "=" + c.ContextPriority.String(),
		fmt.Sprintf("%s=%d", KeyDeviceID, c.DeviceID),
		fmt.Sprintf("%s=%d", KeyHtpArch, c.HtpArch),
		fmt.Sprintf("%s=%d", KeySocModel, c.SocModel),
	}
	if c.Serializer != nil {
		parts = append(parts, c.Serializer.key()...)
	}
	slices.Sort(parts)
	return strings.Join(parts, ";")
}
