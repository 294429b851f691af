// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package symbolizer interns (pid, ip) addresses into function, stack, and
// data-object identifiers (spec §4.5). Reading process memory maps and
// calling an external addr-to-line resolver are explicitly out of this
// spec's scope (spec §1); this package only depends on the two narrow
// collaborator interfaces it needs from them.
package symbolizer

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/hjjiang123/MicroSentinel/internal/sample"
)

// CodeResolver looks up the source location backing an instruction
// pointer in a process's address space. This is the external
// "addr-to-line resolver" spec §1 places out of scope.
type CodeResolver interface {
	Resolve(pid uint32, ip uint64) (sample.CodeLocation, bool)
}

// MemoryMapping is one entry of a process's memory map, the minimal shape
// the symbolizer needs from the out-of-scope memory-map reader (spec §1,
// §4.5).
type MemoryMapping struct {
	Start       uint64
	End         uint64
	Permissions string
	Path        string
}

// MapReader reads a process's current memory mappings. This is the
// external "process memory maps" reader spec §1 places out of scope.
type MapReader interface {
	Maps(pid uint32) ([]MemoryMapping, error)
}

type jitRange struct {
	start, end uint64
	path       string
	buildID    string
}

type processState struct {
	generation string // SPEC_FULL.md §B: distinguishes pre/post drop_process JIT generations
	jit        []jitRange
	mapsCached []MemoryMapping
	mapsAt     time.Time
	dataAnchor map[uint64]uint64 // coarse data-object anchor cache, keyed by mapping start
}

// Symbolizer is the single point through which sample attribution state is
// interned (spec §3, §4.5).
type Symbolizer struct {
	logger   logr.Logger
	resolver CodeResolver
	maps     MapReader
	mapsTTL  time.Duration
	now      func() time.Time

	mu         sync.Mutex
	procs      map[uint32]*processState
	functionOf map[uint64]sample.CodeLocation // function_id -> location, for drain/metrics
	stackOf    map[uint64]sample.StackTrace
	dataOf     map[uint64]sample.DataObject

	newStacks  map[uint64]struct{}
	newObjects map[uint64]struct{}
}

// New creates a Symbolizer. mapsTTL defaults to 5s per spec §4.5.
func New(resolver CodeResolver, maps MapReader, mapsTTL time.Duration, logger logr.Logger) *Symbolizer {
	if mapsTTL <= 0 {
		mapsTTL = 5 * time.Second
	}
	return &Symbolizer{
		logger:     logger.WithName("symbolizer"),
		resolver:   resolver,
		maps:       maps,
		mapsTTL:    mapsTTL,
		now:        time.Now,
		procs:      make(map[uint32]*processState),
		functionOf: make(map[uint64]sample.CodeLocation),
		stackOf:    make(map[uint64]sample.StackTrace),
		dataOf:     make(map[uint64]sample.DataObject),
		newStacks:  make(map[uint64]struct{}),
		newObjects: make(map[uint64]struct{}),
	}
}

func digest(parts ...string) uint64 {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// nonZero replaces a digest of 0 ("unknown", spec §4.5) with a non-zero
// fallback derived from addr.
func nonZero(id uint64, addr uint64) uint64 {
	if id != 0 {
		return id
	}
	fallback := addr ^ 0x9e3779b97f4a7c15
	if fallback == 0 {
		fallback = 1
	}
	return fallback
}

func (s *Symbolizer) proc(pid uint32) *processState {
	p, ok := s.procs[pid]
	if !ok {
		p = &processState{
			generation: uuid.NewString(),
			dataAnchor: make(map[uint64]uint64),
		}
		s.procs[pid] = p
	}
	return p
}

// ResolveFunction interns the (pid, ip) address into a function_id
// (spec §4.5).
func (s *Symbolizer) ResolveFunction(pid uint32, ip uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.locate(pid, ip)
	id := nonZero(digest(loc.Binary, loc.Function, loc.SourceFile, fmt.Sprintf("%d", loc.Line)), ip)
	s.functionOf[id] = loc
	return id
}

// ResolveStack interns the (pid, ip, branch_stack) tuple into a stack_id
// and records it as newly-interned for the next drain (spec §4.5).
func (s *Symbolizer) ResolveStack(pid uint32, ip uint64, branches sample.BranchStack) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	frames := make([]sample.CodeLocation, 0, len(branches)+1)
	frames = append(frames, s.locate(pid, ip))
	for _, b := range branches {
		if b.From == 0 {
			continue // unused LBR slot, not a real branch
		}
		frames = append(frames, s.locate(pid, b.From))
	}

	parts := make([]string, 0, len(frames)*4)
	for _, f := range frames {
		parts = append(parts, f.Binary, f.Function, f.SourceFile, fmt.Sprintf("%d", f.Line))
	}
	id := nonZero(digest(parts...), ip)

	if _, exists := s.stackOf[id]; !exists {
		s.newStacks[id] = struct{}{}
	}
	s.stackOf[id] = sample.StackTrace{ID: id, Frames: frames}

	return id
}

// ResolveData interns the (pid, addr) address into a data_object_id
// (spec §4.5, §4.6 step 1: callers pass addr==0 as a no-op).
func (s *Symbolizer) ResolveData(pid uint32, addr uint64) uint64 {
	if addr == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.proc(pid)

	for _, j := range p.jit {
		if addr >= j.start && addr < j.end {
			id := nonZero(digest(j.path, "rwx", fmt.Sprintf("%d", j.start)), addr)
			obj := sample.DataObject{Mapping: j.path, Base: j.start, Offset: addr - j.start, Permissions: "jit"}
			s.recordDataObject(id, obj)
			return id
		}
	}

	mapping, ok := s.findMapping(p, pid, addr)
	if !ok {
		// Coarse fallback: anchor the address itself.
		id := nonZero(0, addr)
		s.recordDataObject(id, sample.DataObject{Name: "<unknown>", Base: addr})
		return id
	}

	if anchored, ok := p.dataAnchor[mapping.Start]; ok {
		return anchored
	}

	id := nonZero(digest(mapping.Path, mapping.Permissions, fmt.Sprintf("%d", mapping.Start)), addr)
	obj := sample.DataObject{
		Mapping:     mapping.Path,
		Base:        mapping.Start,
		Offset:      addr - mapping.Start,
		Permissions: mapping.Permissions,
		Size:        mapping.End - mapping.Start,
	}
	s.recordDataObject(id, obj)
	p.dataAnchor[mapping.Start] = id
	return id
}

func (s *Symbolizer) recordDataObject(id uint64, obj sample.DataObject) {
	if _, exists := s.dataOf[id]; !exists {
		s.newObjects[id] = struct{}{}
	}
	s.dataOf[id] = obj
}

// findMapping consults the cached memory map (refreshed lazily with a TTL,
// forced on miss) to find the mapping containing addr (spec §4.5).
func (s *Symbolizer) findMapping(p *processState, pid uint32, addr uint64) (MemoryMapping, bool) {
	if s.maps == nil {
		return MemoryMapping{}, false
	}

	if m, ok := search(p.mapsCached, addr); ok {
		return m, true
	}

	if s.now().Sub(p.mapsAt) < s.mapsTTL && p.mapsCached != nil {
		return MemoryMapping{}, false
	}

	mappings, err := s.maps.Maps(pid)
	if err != nil {
		s.logger.V(1).Info("failed to refresh memory maps", "pid", pid, "error", err.Error())
		return MemoryMapping{}, false
	}
	p.mapsCached = mappings
	p.mapsAt = s.now()

	return search(mappings, addr)
}

func search(mappings []MemoryMapping, addr uint64) (MemoryMapping, bool) {
	for _, m := range mappings {
		if addr >= m.Start && addr < m.End {
			return m, true
		}
	}
	return MemoryMapping{}, false
}

// locate resolves a CodeLocation for (pid, ip), falling back to a
// synthetic location that never errors (spec §4.5, §7).
func (s *Symbolizer) locate(pid uint32, ip uint64) sample.CodeLocation {
	if s.resolver != nil {
		if loc, ok := s.resolver.Resolve(pid, ip); ok {
			return loc
		}
	}
	return sample.CodeLocation{
		Binary:     fmt.Sprintf("pid-%d", pid),
		Function:   fmt.Sprintf("0x%x", ip),
		SourceFile: "<unknown>",
		Line:       0,
	}
}

// RegisterJIT registers a JIT address range override for pid (spec §4.5,
// control-plane /api/v1/symbols/jit).
func (s *Symbolizer) RegisterJIT(pid uint32, start, end uint64, path, buildID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.proc(pid)
	p.jit = append(p.jit, jitRange{start: start, end: end, path: path, buildID: buildID})
}

// RegisterData registers an explicit data-object hint for pid (spec §4.5,
// control-plane /api/v1/symbols/data).
func (s *Symbolizer) RegisterData(pid uint32, addr uint64, name, typ string, size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := nonZero(digest(name, typ, fmt.Sprintf("%d", addr)), addr)
	s.recordDataObject(id, sample.DataObject{Name: name, Type: typ, Base: addr, Size: size})
}

// DropProcess forgets pid's per-process state: its JIT ranges, cached
// memory map and data-object anchors (spec §4.5). Function, stack and
// data-object identifiers already interned, including any not yet
// drained, are kept.
func (s *Symbolizer) DropProcess(pid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.procs, pid)
}

// DrainNewStacks returns and clears the set of stack traces interned since
// the last drain. Called exclusively by the Runtime flush cycle (spec
// §4.5).
func (s *Symbolizer) DrainNewStacks() []sample.StackTrace {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]sample.StackTrace, 0, len(s.newStacks))
	for id := range s.newStacks {
		out = append(out, s.stackOf[id])
	}
	s.newStacks = make(map[uint64]struct{})
	return out
}

// DrainNewDataObjects returns and clears the set of data objects interned
// since the last drain (spec §4.5).
func (s *Symbolizer) DrainNewDataObjects() []sample.DataSymbol {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]sample.DataSymbol, 0, len(s.newObjects))
	for id := range s.newObjects {
		out = append(out, sample.DataSymbol{ID: id, Object: s.dataOf[id]})
	}
	s.newObjects = make(map[uint64]struct{})
	return out
}
