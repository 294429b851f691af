// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package sample

// AttributionKey is the composite, equality-by-value aggregation key (spec
// §3). It is used as a map key directly (all fields are comparable), and
// also exposes Hash() for callers that want a stable 64-bit digest, e.g.
// sharded tables or export keys.
type AttributionKey struct {
	FlowID            uint64
	FunctionID        uint64
	StackID           uint64
	DataObjectID      uint64
	PMUEvent          uint32
	NUMANode          uint16
	InterferenceClass InterferenceClass
	Direction         Direction
	BucketIndex       uint64
}

// avalanche is a 64-bit mixer (splitmix64's finalizer) used to combine the
// nine AttributionKey fields into one stable hash, per the "composite keys"
// design note in spec §9.
func avalanche(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Hash returns a stable 64-bit digest mixing all nine fields.
func (k AttributionKey) Hash() uint64 {
	h := avalanche(k.FlowID)
	h ^= avalanche(k.FunctionID + 1)
	h ^= avalanche(k.StackID + 2)
	h ^= avalanche(k.DataObjectID + 3)
	h ^= avalanche(uint64(k.PMUEvent) + 4)
	h ^= avalanche(uint64(k.NUMANode) + 5)
	h ^= avalanche(uint64(k.InterferenceClass) + 6)
	h ^= avalanche(uint64(k.Direction) + 7)
	h ^= avalanche(k.BucketIndex + 8)
	return h
}

// AggregatedValue is the per-key rollup accumulated by the Aggregator
// (spec §3). Invariant: Samples > 0 for any entry produced by Flush;
// NormCost >= 0.
type AggregatedValue struct {
	Samples  uint64
	NormCost float64
}

// CodeLocation identifies a single source location.
type CodeLocation struct {
	Binary     string
	Function   string
	SourceFile string
	Line       uint32
}

// StackTrace is a symbolizer-interned call stack.
type StackTrace struct {
	ID     uint64
	Frames []CodeLocation
}

// DataObject describes a memory region a data address resolved into.
type DataObject struct {
	Mapping     string
	Base        uint64
	Offset      uint64
	Permissions string
	Name        string
	Type        string
	Size        uint64
}

// DataSymbol is a symbolizer-interned data object with its assigned ID.
type DataSymbol struct {
	ID     uint64
	Object DataObject
}
