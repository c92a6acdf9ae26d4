// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// qnn_context reports on a QNN backend and on context cache files.
//
// Usage:
//
//	qnn_context [-backend <module>] [-system <module>] -info
//	qnn_context [-backend <module>] [-system <module>] -inspect <cache file>
//
// The configuration starts from $GOQNN_CONFIG (see backend.ParseConfig), and -backend and -system
// override its module paths.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/go-qnn/internal/fsutil"
	"github.com/gomlx/go-qnn/pkg/backend"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "", "Path of the backend module (e.g. libQnnHtp.so). "+
		"Defaults to the backend_path of $GOQNN_CONFIG, or the platform's HTP backend.")
	flagSystem = flag.String("system", "", "Path of the system module (e.g. libQnnSystem.so), "+
		"needed by -inspect. Defaults to the system_lib_path of $GOQNN_CONFIG, or the platform's one.")
	flagInfo    = flag.Bool("info", false, "Display the backend type, SDK build and capabilities.")
	flagInspect = flag.String("inspect", "", "Context cache file to inspect: lists its context binaries and their graphs.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if len(flag.Args()) > 0 {
		klog.Errorf("Unexpected arguments %q. See 'qnn_context -help'.", flag.Args())
		os.Exit(1)
	}
	if !*flagInfo && *flagInspect == "" {
		klog.Errorf("Nothing to do: use -info and/or -inspect <cache file>. See 'qnn_context -help'.")
		os.Exit(1)
	}

	config := must.M1(backend.ConfigFromEnv())
	if *flagBackend != "" {
		config.BackendPath = must.M1(fsutil.ReplaceTildeInDir(*flagBackend))
	}
	if *flagSystem != "" {
		config.SystemLibPath = must.M1(fsutil.ReplaceTildeInDir(*flagSystem))
	}
	m := backend.NewManager(config)
	err := run(os.Stdout, m, *flagInfo, *flagInspect)
	if closeErr := m.Close(); closeErr != nil {
		klog.Warningf("%+v", closeErr)
	}
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// run sets up m and writes the requested reports to w.
func run(w io.Writer, m *backend.Manager, info bool, cachePath string) error {
	opts := backend.SetupOptions{LoadFromCachedContext: true, NeedSystemLib: cachePath != ""}
	if err := m.SetupBackend(opts); err != nil {
		return err
	}
	if info {
		reportInfo(w, m)
	}
	if cachePath != "" {
		path, err := fsutil.ReplaceTildeInDir(cachePath)
		if err != nil {
			return err
		}
		buffer, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading context cache")
		}
		infos, err := m.ContextBinaryInfos(buffer)
		if err != nil {
			return errors.WithMessagef(err, "inspecting %q", path)
		}
		if info {
			_, _ = fmt.Fprintln(w)
		}
		reportCache(w, path, len(buffer), infos)
	}
	return nil
}
