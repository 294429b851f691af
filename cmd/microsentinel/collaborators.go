// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hjjiang123/MicroSentinel/internal/sample"
	"github.com/hjjiang123/MicroSentinel/internal/symbolizer"
)

// noopCodeResolver is the production symbolizer.CodeResolver: address-to-
// line resolution of stripped binaries is explicitly out of scope (spec
// §1), so every lookup misses and the symbolizer falls back to its own
// binary+offset representation.
type noopCodeResolver struct{}

func (noopCodeResolver) Resolve(pid uint32, ip uint64) (sample.CodeLocation, bool) {
	return sample.CodeLocation{}, false
}

// procMapReader is the production symbolizer.MapReader: it parses
// /proc/<pid>/maps, the standard host-level view of a process's memory
// layout.
type procMapReader struct{}

func (procMapReader) Maps(pid uint32) ([]symbolizer.MemoryMapping, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("opening maps for pid %d: %w", pid, err)
	}
	defer f.Close()

	var mappings []symbolizer.MemoryMapping
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(bounds[1], 16, 64)
		if err != nil {
			continue
		}
		path := ""
		if len(fields) >= 6 {
			path = fields[5]
		}
		mappings = append(mappings, symbolizer.MemoryMapping{
			Start:       start,
			End:         end,
			Permissions: fields[1],
			Path:        path,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning maps for pid %d: %w", pid, err)
	}
	return mappings, nil
}

// procNetThroughput is the production anomaly.ThroughputSource: it sums
// cumulative rx+tx bytes from /proc/net/dev across a configured interface
// set, or every non-loopback interface when none is configured.
type procNetThroughput struct {
	interfaces map[string]bool
}

func newProcNetThroughput(interfaces []string) *procNetThroughput {
	set := make(map[string]bool, len(interfaces))
	for _, i := range interfaces {
		set[i] = true
	}
	return &procNetThroughput{interfaces: set}
}

func (p *procNetThroughput) ReadBytes() (uint64, error) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return 0, fmt.Errorf("opening /proc/net/dev: %w", err)
	}
	defer f.Close()

	var total uint64
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		if lineNo <= 2 {
			continue // header lines
		}
		line := scanner.Text()
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		if name == "lo" {
			continue
		}
		if len(p.interfaces) > 0 && !p.interfaces[name] {
			continue
		}
		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}
		rx, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		tx, err := strconv.ParseUint(fields[8], 10, 64)
		if err != nil {
			continue
		}
		total += rx + tx
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scanning /proc/net/dev: %w", err)
	}
	return total, nil
}

// fileLatencyProbe is the production anomaly.LatencyProbe: it reads a
// single float value from an externally-populated probe file (spec §4.9:
// "optionally a latency probe file"). A missing file is not an error;
// ok is simply false until the file appears.
type fileLatencyProbe struct {
	path string
}

func newFileLatencyProbe(path string) *fileLatencyProbe {
	return &fileLatencyProbe{path: path}
}

func (p *fileLatencyProbe) ReadLatency() (float64, bool, error) {
	if p.path == "" {
		return 0, false, nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("reading latency probe %s: %w", p.path, err)
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing latency probe %s: %w", p.path, err)
	}
	return value, true, nil
}
