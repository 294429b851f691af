// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sample

// EventKind is the tagged PMU event classification carried in a Sample's
// PMUEvent field (spec §3).
type EventKind uint32

const (
	EventL3Miss EventKind = iota
	EventBranchMispred
	EventICacheStall
	EventAvxDownclock
	EventBackendStall
	EventCrossSnoopHitm
	EventRemoteDram
	EventUnknown
)

// logicalNames maps the control-plane's accepted `logical` event names
// (spec §4.14) to EventKind. Shared with internal/control so PMU config
// ingest validates against the same enum the aggregator classifies with.
var logicalNames = map[string]EventKind{
	"l3_miss":          EventL3Miss,
	"branch_mispred":   EventBranchMispred,
	"icache_stall":     EventICacheStall,
	"avx_downclock":    EventAvxDownclock,
	"backend_stall":    EventBackendStall,
	"cross_snoop_hitm": EventCrossSnoopHitm,
	"remote_dram":      EventRemoteDram,
}

// LookupLogicalEvent resolves a control-plane `logical` event name to its
// EventKind. Returns false for unrecognized names.
func LookupLogicalEvent(name string) (EventKind, bool) {
	k, ok := logicalNames[name]
	return k, ok
}

func (k EventKind) String() string {
	switch k {
	case EventL3Miss:
		return "l3_miss"
	case EventBranchMispred:
		return "branch_mispred"
	case EventICacheStall:
		return "icache_stall"
	case EventAvxDownclock:
		return "avx_downclock"
	case EventBackendStall:
		return "backend_stall"
	case EventCrossSnoopHitm:
		return "cross_snoop_hitm"
	case EventRemoteDram:
		return "remote_dram"
	default:
		return "unknown"
	}
}

// InterferenceClass is the coarse microarchitectural bucket an EventKind
// classifies into (spec §3, Glossary).
type InterferenceClass uint8

const (
	ClassDataPath InterferenceClass = iota
	ClassControlPath
	ClassExecutionResource
	ClassTopologyInterconnect
	ClassUnknown
)

func (c InterferenceClass) String() string {
	switch c {
	case ClassDataPath:
		return "data_path"
	case ClassControlPath:
		return "control_path"
	case ClassExecutionResource:
		return "execution_resource"
	case ClassTopologyInterconnect:
		return "topology_interconnect"
	default:
		return "unknown"
	}
}

// Classify maps an EventKind to its InterferenceClass (spec §3).
func Classify(k EventKind) InterferenceClass {
	switch k {
	case EventL3Miss:
		return ClassDataPath
	case EventBranchMispred, EventICacheStall:
		return ClassControlPath
	case EventAvxDownclock, EventBackendStall:
		return ClassExecutionResource
	case EventCrossSnoopHitm, EventRemoteDram:
		return ClassTopologyInterconnect
	default:
		return ClassUnknown
	}
}
