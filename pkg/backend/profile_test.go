// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backend

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/go-qnn/pkg/logging"
	"github.com/gomlx/go-qnn/pkg/qnn"
	"github.com/gomlx/go-qnn/pkg/qnn/qnntest"
	"github.com/gomlx/go-qnn/pkg/status"
	"github.com/gomlx/go-qnn/pkg/tracecontrol"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readCSV(t *testing.T, path string) [][]string {
	f := must.M1(os.Open(path))
	defer func() { _ = f.Close() }()
	return must.M1(csv.NewReader(f).ReadAll())
}

func TestProfilingDetailed(t *testing.T) {
	sdk := qnntest.New()
	be := sdk.Backend
	config := testConfig(sdk)
	config.ProfilingLevel = ProfilingDetailed
	config.ProfilingFilePath = filepath.Join(t.TempDir(), "profile.csv")
	m := setup(t, sdk, config, SetupOptions{})
	assert.Equal(t, ProfilingDetailed, m.ProfilingLevel())
	require.NotZero(t, m.ProfileHandle())
	assert.Equal(t, qnn.ProfileLevelDetailed, be.ProfileLevel(m.ProfileHandle()))

	model := must.M1(m.ComposeModel(buildGemm(t, m, "gemm_graph", false), 0))
	events := must.M1(m.ExtractProfilingInfo())
	require.Len(t, events, 2)
	assert.Equal(t, "FINALIZE", events[0].Message)
	assert.Equal(t, EventLevelRoot, events[0].Level)
	assert.Equal(t, "gemm_graph", events[0].Identifier)
	assert.Equal(t, "US", events[0].Unit)
	assert.Equal(t, "20", events[0].Value)
	assert.NotZero(t, events[0].Timestamp, "extended events carry a timestamp")
	assert.Equal(t, "NODE", events[1].Message)
	assert.Equal(t, EventLevelSub, events[1].Level)
	assert.Equal(t, "gemm", events[1].Identifier)

	// Events are drained.
	assert.Empty(t, must.M1(m.ExtractProfilingInfo()))

	runGemm(t, model, m.ProfileHandle())
	events = must.M1(m.ExtractProfilingInfo())
	require.Len(t, events, 2)
	assert.Equal(t, "EXECUTE", events[0].Message)

	rows := readCSV(t, config.ProfilingFilePath)
	require.Len(t, rows, 5, "header once, then two events per extraction")
	assert.Equal(t, ProfileCSVHeader, rows[0])
	assert.Equal(t, []string{"FINALIZE", "20", "US", TimingSource, EventLevelRoot, "gemm_graph"}, rows[1][1:])
	assert.Equal(t, "EXECUTE", rows[3][1])

	// A broken event is skipped, its sub-events are still read.
	be.BreakEvent("gemm_graph")
	runGemm(t, model, m.ProfileHandle())
	events = must.M1(m.ExtractProfilingInfo())
	require.Len(t, events, 1)
	assert.Equal(t, EventLevelSub, events[0].Level)
}

func TestProfilingBasic(t *testing.T) {
	sdk := qnntest.New()
	be := sdk.Backend
	be.NoExtendedProfile = true
	config := testConfig(sdk)
	config.ProfilingLevel = ProfilingBasic
	m := setup(t, sdk, config, SetupOptions{})
	assert.Equal(t, qnn.ProfileLevelBasic, be.ProfileLevel(m.ProfileHandle()))

	must.M1(m.ComposeModel(buildGemm(t, m, "gemm_graph", false), 0))
	events := must.M1(m.ExtractProfilingInfo())
	require.Len(t, events, 1, "basic profiles have no per-node events")
	assert.Equal(t, ProfileEvent{
		Message:    "FINALIZE",
		Value:      "20",
		Unit:       "US",
		Level:      EventLevelRoot,
		Identifier: "gemm_graph",
	}, events[0])
}

func TestProfilingOff(t *testing.T) {
	sdk := qnntest.New()
	m := setup(t, sdk, testConfig(sdk), SetupOptions{})
	assert.Zero(t, m.ProfileHandle())
	must.M1(m.ComposeModel(buildGemm(t, m, "gemm_graph", false), 0))
	events, err := m.ExtractProfilingInfo()
	require.NoError(t, err)
	assert.Nil(t, events)
}

func TestProfilingLevelETW(t *testing.T) {
	sdk := qnntest.New()
	be := sdk.Backend
	config := testConfig(sdk)
	config.ProfilingLevel = ProfilingBasic
	m := setup(t, sdk, config, SetupOptions{})
	basic := m.ProfileHandle()

	require.NoError(t, m.SetProfilingLevelETW(ProfilingDetailed))
	assert.Equal(t, ProfilingDetailed, m.ProfilingLevel())
	assert.NotEqual(t, basic, m.ProfileHandle(), "profile recreated at the new level")
	assert.Equal(t, qnn.ProfileLevelDetailed, be.ProfileLevel(m.ProfileHandle()))
	assert.Equal(t, 1, be.LiveHandlesOf(qnntest.KindProfile))

	// Lowering the trace level back to the configured one.
	require.NoError(t, m.SetProfilingLevelETW(ProfilingOff))
	assert.Equal(t, ProfilingBasic, m.ProfilingLevel())
	assert.Equal(t, qnn.ProfileLevelBasic, be.ProfileLevel(m.ProfileHandle()))

	// Same effective level: the handle is kept.
	h := m.ProfileHandle()
	require.NoError(t, m.SetProfilingLevelETW(ProfilingBasic))
	assert.Equal(t, h, m.ProfileHandle())
}

func TestLogLevel(t *testing.T) {
	sdk := qnntest.New()
	be := sdk.Backend
	logger := &recordingLogger{severity: logging.Info}
	config := testConfig(sdk)
	config.Logger = logger
	m := setup(t, sdk, config, SetupOptions{})
	assert.Equal(t, qnn.LogLevelInfo, be.LogLevel())
	assert.Equal(t, qnn.LogLevelInfo, m.LogLevel())
	assert.NotZero(t, m.LogHandle())
	assert.True(t, logger.contains("backend created"), "backend messages reach the Logger")

	verbose := logging.Verbose
	require.NoError(t, m.ResetLogLevel(&verbose))
	assert.Equal(t, qnn.LogLevelVerbose, be.LogLevel())
	require.NoError(t, m.ResetLogLevel(nil))
	assert.Equal(t, qnn.LogLevelInfo, be.LogLevel())

	be.FailOn("logSetLogLevel", qnn.ErrorCommonGeneral)
	require.Error(t, m.ResetLogLevel(&verbose))
	assert.Equal(t, qnn.LogLevelInfo, m.LogLevel())
	assert.True(t, logger.contains("failed to set backend log level"))
	be.FailOn("logSetLogLevel", qnn.Success)

	require.NoError(t, m.Close())
	assert.Equal(t, status.NotInitialized, status.CodeOf(m.ResetLogLevel(nil)))
	assert.Zero(t, m.LogLevel())
}

func TestNativeLogLevel(t *testing.T) {
	assert.Equal(t, qnn.LogLevelVerbose, NativeLogLevel(logging.Verbose))
	assert.Equal(t, qnn.LogLevelInfo, NativeLogLevel(logging.Info))
	assert.Equal(t, qnn.LogLevelWarn, NativeLogLevel(logging.Warning))
	assert.Equal(t, qnn.LogLevelError, NativeLogLevel(logging.Error))
	assert.Equal(t, qnn.LogLevelError, NativeLogLevel(logging.Fatal))
}

func TestTraceControl(t *testing.T) {
	sdk := qnntest.New()
	be := sdk.Backend
	tc := tracecontrol.NewWithSource(nil)
	tc.Start()
	defer func() { require.NoError(t, tc.Close()) }()

	m := NewManager(testConfig(sdk))
	m.AttachTraceControl(tc)
	assert.Equal(t, 1, tc.NumSubscribers())

	// Notifications before setup are ignored by the Manager.
	tc.Notify(tracecontrol.Notification{Control: tracecontrol.ControlEnable, Level: tracecontrol.LevelInformation,
		MatchAnyKeyword: tracecontrol.KeywordLogs | tracecontrol.KeywordProfiling})
	assert.Equal(t, StateNotInitialized, m.State())

	// But the tracer state at setup is applied.
	require.NoError(t, m.SetupBackend(SetupOptions{}))
	assert.Equal(t, qnn.LogLevelInfo, be.LogLevel())
	assert.Equal(t, ProfilingBasic, m.ProfilingLevel())
	assert.Equal(t, 1, be.LiveHandlesOf(qnntest.KindProfile))

	tc.Notify(tracecontrol.Notification{Control: tracecontrol.ControlEnable, Level: tracecontrol.LevelVerbose,
		MatchAnyKeyword: tracecontrol.KeywordLogs | tracecontrol.KeywordProfiling})
	assert.Equal(t, qnn.LogLevelVerbose, be.LogLevel())
	assert.Equal(t, ProfilingDetailed, m.ProfilingLevel())
	assert.Equal(t, qnn.ProfileLevelDetailed, be.ProfileLevel(m.ProfileHandle()))

	// Only the logs keyword: profiling is untouched.
	tc.Notify(tracecontrol.Notification{Control: tracecontrol.ControlEnable, Level: tracecontrol.LevelError,
		MatchAnyKeyword: tracecontrol.KeywordLogs})
	assert.Equal(t, qnn.LogLevelError, be.LogLevel())
	assert.Equal(t, ProfilingDetailed, m.ProfilingLevel())

	// Disabled: back to the Logger's severity (Warning) and the configured profiling level (off).
	tc.Notify(tracecontrol.Notification{Control: tracecontrol.ControlDisable})
	assert.Equal(t, qnn.LogLevelWarn, be.LogLevel())
	assert.Equal(t, ProfilingOff, m.ProfilingLevel())
	assert.Zero(t, m.ProfileHandle())
	assert.Zero(t, be.LiveHandlesOf(qnntest.KindProfile))

	require.NoError(t, m.Close())
	assert.Zero(t, tc.NumSubscribers(), "Close detaches the Manager")
	assert.Zero(t, sdk.LiveHandles())
}

func TestTraceProfilingLevel(t *testing.T) {
	assert.Equal(t, ProfilingBasic, traceProfilingLevel(tracecontrol.LevelCritical))
	assert.Equal(t, ProfilingBasic, traceProfilingLevel(tracecontrol.LevelInformation))
	assert.Equal(t, ProfilingDetailed, traceProfilingLevel(tracecontrol.LevelVerbose))
}
