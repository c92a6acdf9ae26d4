// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"path/filepath"

	"github.com/gomlx/go-qnn/internal/fsutil"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/pkg/errors"
)

// SerializerConfig selects a serializer backend: instead of (or alongside) compiling for the device,
// graphs are emitted by an alternate backend module, as an IR dump (IR backend) or as generated
// source (Saver backend).
//
// When a Manager is configured with a serializer, SetupBackend still loads the device backend module
// to learn its type, but the active interface is the serializer backend's.
type SerializerConfig interface {
	// BackendPath of the serializer backend module.
	BackendPath() string

	// SetGraphName sets the name of the graph the next Configure call is for.
	SetGraphName(name string)

	// Configure returns the graph configs that make the serializer emit the current graph.
	Configure() ([]qnn.GraphConfig, error)

	// SupportsArbitraryGraphConfigs returns whether graph configs other than those returned by
	// Configure (e.g. priority) can be passed to the serializer backend.
	SupportsArbitraryGraphConfigs() bool

	// key returns the configuration entries identifying the serializer, see Config.Key.
	key() []string
}

// IRSerializer emits one DLC file per graph, named after the graph.
type IRSerializer struct {
	backendPath string
	dlcDir      string
	graphName   string
}

// NewIRSerializer returns the configuration of the IR backend at backendPath, writing DLC files into
// dlcDir. An empty dlcDir means the current directory.
func NewIRSerializer(backendPath, dlcDir string) *IRSerializer {
	return &IRSerializer{backendPath: backendPath, dlcDir: dlcDir}
}

// BackendPath implements SerializerConfig.
func (s *IRSerializer) BackendPath() string { return s.backendPath }

// SetGraphName implements SerializerConfig.
func (s *IRSerializer) SetGraphName(name string) { s.graphName = name }

// Configure implements SerializerConfig. It creates the output directory if needed.
func (s *IRSerializer) Configure() ([]qnn.GraphConfig, error) {
	if s.graphName == "" {
		return nil, status.Errorf(status.InvalidArgument, "IR serializer configured without a graph name")
	}
	dir := s.dlcDir
	if dir == "" {
		dir = "."
	}
	dir, err := fsutil.EnsureDir(dir)
	if err != nil {
		return nil, errors.WithMessage(err, "IR serializer output directory")
	}
	return []qnn.GraphConfig{{
		Option:            qnn.GraphConfigIRSerialization,
		SerializationPath: filepath.Join(dir, s.graphName+".dlc"),
	}}, nil
}

// SupportsArbitraryGraphConfigs implements SerializerConfig. The IR backend rejects any graph config
// but its own.
func (s *IRSerializer) SupportsArbitraryGraphConfigs() bool { return false }

func (s *IRSerializer) key() []string {
	return []string{KeyDumpIRDLC + "=1", KeyIRBackendPath + "=" + s.backendPath, KeyDumpIRDLCDir + "=" + s.dlcDir}
}

// SaverSerializer records every SDK call into generated source. It needs no graph config.
type SaverSerializer struct {
	backendPath string
}

// NewSaverSerializer returns the configuration of the Saver backend at backendPath.
func NewSaverSerializer(backendPath string) *SaverSerializer {
	return &SaverSerializer{backendPath: backendPath}
}

// BackendPath implements SerializerConfig.
func (s *SaverSerializer) BackendPath() string { return s.backendPath }

// SetGraphName implements SerializerConfig. The Saver backend names its output itself.
func (s *SaverSerializer) SetGraphName(string) {}

// Configure implements SerializerConfig.
func (s *SaverSerializer) Configure() ([]qnn.GraphConfig, error) { return nil, nil }

// SupportsArbitraryGraphConfigs implements SerializerConfig.
func (s *SaverSerializer) SupportsArbitraryGraphConfigs() bool { return true }

func (s *SaverSerializer) key() []string {
	return []string{KeySaverPath + "=" + s.backendPath}
}

var (
	_ SerializerConfig = (*IRSerializer)(nil)
	_ SerializerConfig = (*SaverSerializer)(nil)
)
