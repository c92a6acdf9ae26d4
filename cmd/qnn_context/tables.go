// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-qnn/pkg/backend"
	"github.com/gomlx/go-qnn/pkg/qnn"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == lgtable.HeaderRow {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func reportInfo(w io.Writer, m *backend.Manager) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Backend"))
	table := newPlainTable(false)
	config := m.Config()
	table.Row("module", config.BackendPath)
	table.Row("type", m.BackendType().String())
	table.Row("NPU", yesNo(m.IsNPUBackend()))
	table.Row("SDK build", m.SDKVersion())
	table.Row("core API", m.CoreAPIVersion().String())
	if iface := m.Interface(); iface != nil {
		table.Row("device properties", yesNo(iface.PropertyHasCapability(qnn.PropertyGroupDevice)))
		table.Row("extended profiling", yesNo(iface.PropertyHasCapability(qnn.PropertyProfileSupportsExtendedEvent)))
		table.Row("context caching", yesNo(iface.PropertyHasCapability(qnn.PropertyContextSupportsBinaryCaching)))
	}
	table.Row("log level", fmt.Sprintf("%v", m.LogLevel()))
	table.Row("profiling", m.ProfilingLevel().String())
	_, _ = fmt.Fprintln(w, table.Render())
}

// reportCache lists the context binaries of a cache file and the graphs they hold.
func reportCache(w io.Writer, path string, size int, infos []*qnn.BinaryInfo) {
	var numGraphs int
	for _, info := range infos {
		numGraphs += len(info.Graphs)
	}
	_, _ = fmt.Fprintln(w, titleStyle.Render("Context cache"))
	table := newPlainTable(false)
	table.Row("file", path)
	table.Row("size", humanize.Bytes(uint64(size)))
	table.Row("# context binaries", humanize.Comma(int64(len(infos))))
	table.Row("# graphs", humanize.Comma(int64(numGraphs)))
	_, _ = fmt.Fprintln(w, table.Render())

	_, _ = fmt.Fprintln(w, titleStyle.Render("Context binaries"))
	table = newPlainTable(true).Headers("#", "backend", "SDK build", "core API", "backend API", "size", "info version")
	for i, info := range infos {
		blobSize := "?"
		if info.ContextBlobSize > 0 {
			blobSize = humanize.Bytes(info.ContextBlobSize)
		}
		table.Row(fmt.Sprintf("%d", i), info.BackendID.String(), info.BuildID, info.CoreAPIVersion.String(),
			info.BackendAPIVersion.String(), blobSize, fmt.Sprintf("%d", info.Version))
	}
	_, _ = fmt.Fprintln(w, table.Render())

	_, _ = fmt.Fprintln(w, titleStyle.Render("Graphs"))
	table = newPlainTable(true).Headers("binary", "graph", "inputs", "outputs", "spill-fill")
	for i, info := range infos {
		for _, graph := range info.Graphs {
			spillFill := "n/a"
			if graph.HasSpillFill {
				spillFill = humanize.Bytes(graph.SpillFillBufferSize)
			}
			table.Row(fmt.Sprintf("%d", i), graph.Name, tensorsDescription(graph.Inputs),
				tensorsDescription(graph.Outputs), spillFill)
		}
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// tensorsDescription lists tensors one per line, as "name: DTYPE[d0,d1,...]".
func tensorsDescription(tensors []qnn.Tensor) string {
	parts := make([]string, len(tensors))
	for i, t := range tensors {
		dims := make([]string, len(t.Dimensions))
		for j, d := range t.Dimensions {
			dims[j] = fmt.Sprintf("%d", d)
		}
		parts[i] = fmt.Sprintf("%s: %s[%s]", t.Name, t.DataType, strings.Join(dims, ","))
	}
	return strings.Join(parts, "\n")
}
