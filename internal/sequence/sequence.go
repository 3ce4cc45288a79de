// Package sequence implements valve sequences: sorted lists of timed valve
// transitions that run relative to an origin time.
//
// A Sequence is a view. Its transitions and run state live in one arena
// allocation (an info block followed by 3-byte records) and the Sequence
// only knows where to find the handle of that allocation. Nothing is cached
// between calls, so compaction of the pool never leaves a Sequence pointing
// at stale bytes.
//
// Records are kept sorted by offset. When offsets are equal, "off" records
// come before "on" records so that back-to-back periods on one valve keep it
// open across the boundary.
package sequence

import (
	"sort"

	"github.com/roach88/wateringctl/internal/arena"
	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/fault"
	"github.com/roach88/wateringctl/internal/status"
	"github.com/roach88/wateringctl/internal/valve"
)

// Valves is the valve capability a sequence needs.
// *valve.Registry implements it.
type Valves interface {
	Known(id valve.ID) bool
	MaxOnTimeSeconds(id valve.ID) (int, bool)
	FlowRateLPM(id valve.ID) float64
	SetNewState(id valve.ID, on bool)
}

// Slot stores the arena handle of a sequence's allocation.
//
// A standalone sequence keeps its handle in a private slot. The scheduler
// keeps the handles of its sequences in an arena array and hands out views
// whose slot reads and writes that array.
type Slot interface {
	Handle() arena.Handle
	SetHandle(h arena.Handle)
}

type ownSlot struct {
	h arena.Handle
}

func (s *ownSlot) Handle() arena.Handle    { return s.h }
func (s *ownSlot) SetHandle(h arena.Handle) { s.h = h }

// Sequence is a valve sequence stored in an arena.
//
// The zero value and Unbound() are the unbound sequence: every inspector
// answers zero and every mutator returns AssertionFailed.
type Sequence struct {
	pool   *arena.Pool
	valves Valves
	slot   Slot
}

// New allocates a sequence with room for capacity transitions.
func New(pool *arena.Pool, valves Valves, capacity uint8) (*Sequence, error) {
	s := &Sequence{pool: pool, valves: valves, slot: &ownSlot{h: arena.Invalid}}
	if err := s.Allocate(capacity); err != nil {
		return nil, err
	}
	return s, nil
}

// Attach returns a view over the allocation whose handle lives in slot.
// The slot may hold arena.Invalid; Allocate then binds it.
func Attach(pool *arena.Pool, valves Valves, slot Slot) *Sequence {
	return &Sequence{pool: pool, valves: valves, slot: slot}
}

// Unbound returns a sequence with no storage.
func Unbound() *Sequence {
	return &Sequence{}
}

func (s *Sequence) handle() arena.Handle {
	if s.slot == nil || s.pool == nil {
		return arena.Invalid
	}
	return s.slot.Handle()
}

// Handle returns the arena handle backing s, or arena.Invalid.
func (s *Sequence) Handle() arena.Handle {
	return s.handle()
}

// Bound reports whether s owns an allocation.
func (s *Sequence) Bound() bool {
	return s.handle().Valid()
}

func (s *Sequence) faults() *fault.Register {
	if s.pool == nil {
		return fault.Process
	}
	return s.pool.Faults()
}

// Allocate gives an unbound view its own allocation.
// Returns AlreadyAllocated when s is bound and InsufficientMemory when the
// pool is full.
func (s *Sequence) Allocate(capacity uint8) error {
	if s.pool == nil || s.slot == nil {
		return status.New(status.AssertionFailed, "sequence has no storage")
	}
	if s.Bound() {
		return status.New(status.AlreadyAllocated, "sequence already allocated (handle %d)", s.handle())
	}
	h := s.pool.Allocate(InfoSize, RecordSize, capacity)
	if !h.Valid() {
		return status.New(status.InsufficientMemory, "no room for a sequence of %d transitions", capacity)
	}
	info{capacity: capacity}.encode(s.pool.InfoBlock(h))
	s.slot.SetHandle(h)
	return nil
}

// Release frees the allocation. s becomes unbound.
func (s *Sequence) Release() {
	h := s.handle()
	if !h.Valid() {
		return
	}
	s.pool.Deallocate(h)
	s.slot.SetHandle(arena.Invalid)
}

// load checks the invariants and returns the info block of a bound
// sequence.
func (s *Sequence) load() (arena.Handle, info, bool) {
	h := s.handle()
	if !h.Valid() {
		return h, info{}, false
	}
	b := s.pool.InfoBlock(h)
	if b == nil {
		return h, info{}, false
	}
	in := decodeInfo(b)
	if !s.checkInvariants(h, in) {
		return h, info{}, false
	}
	return h, in, true
}

func (s *Sequence) store(h arena.Handle, in info) {
	in.encode(s.pool.InfoBlock(h))
}

func (s *Sequence) record(h arena.Handle, i uint8) Transition {
	return decodeTransition(s.pool.Element(h, i))
}

// CheckInvariants verifies that the records are sorted by offset and that
// the bookkeeping matches the allocation. A violation is a programmer error:
// it raises InvariantFailed and returns false.
func (s *Sequence) CheckInvariants() bool {
	h := s.handle()
	if !h.Valid() {
		return true
	}
	b := s.pool.InfoBlock(h)
	if b == nil {
		return false
	}
	return s.checkInvariants(h, decodeInfo(b))
}

func (s *Sequence) checkInvariants(h arena.Handle, in info) bool {
	if in.capacity != s.pool.Count(h) || in.count > in.capacity {
		s.faults().Raise(fault.InvariantFailed,
			"handle", int(h), "count", int(in.count), "capacity", int(in.capacity))
		return false
	}
	var prev uint16
	for i := uint8(0); i < in.count; i++ {
		off := s.record(h, i).Offset
		if off < prev {
			s.faults().Raise(fault.InvariantFailed, "handle", int(h), "index", int(i))
			return false
		}
		prev = off
	}
	return true
}

// AddValveOpenPeriod opens v at startOffset seconds for duration seconds.
//
// Fails with SequenceDurationExceedsMaximum when the period would end past
// MaxOffset, ValveOnTimeTooLong when duration exceeds the valve's maximum
// on-time, AssertionFailed for an unknown valve or an unbound sequence, and
// InsufficientMemory when the allocation cannot grow. A failed call leaves
// the sequence unchanged. A zero duration adds nothing.
func (s *Sequence) AddValveOpenPeriod(v valve.ID, startOffset, duration int) error {
	if startOffset < 0 || duration < 0 || startOffset+duration > MaxOffset {
		return status.New(status.SequenceDurationExceedsMaximum,
			"period %d+%d s ends past %d s", startOffset, duration, MaxOffset)
	}
	h, in, ok := s.load()
	if !ok {
		return status.New(status.AssertionFailed, "sequence not allocated")
	}
	if s.valves == nil || !s.valves.Known(v) {
		return status.New(status.AssertionFailed, "unknown valve %d", v)
	}
	if maxOn, _ := s.valves.MaxOnTimeSeconds(v); duration > maxOn {
		return status.New(status.ValveOnTimeTooLong,
			"valve %d open for %d s, maximum is %d s", v, duration, maxOn)
	}
	if duration == 0 {
		return nil
	}

	in, err := s.reserve(h, in, 2)
	if err != nil {
		return err
	}
	in = s.insert(h, in, Transition{Valve: v, On: true, Offset: uint16(startOffset)})
	in = s.insert(h, in, Transition{Valve: v, On: false, Offset: uint16(startOffset + duration)})
	s.store(h, in)
	return nil
}

// reserve grows the allocation so that n more records fit.
func (s *Sequence) reserve(h arena.Handle, in info, n int) (info, error) {
	need := int(in.count) + n
	if need > MaxRecords {
		return in, status.New(status.RequestedCountTooLarge,
			"sequence would hold %d transitions, maximum is %d", need, MaxRecords)
	}
	if need <= int(in.capacity) {
		return in, nil
	}
	if err := s.pool.Resize(h, uint8(need)); err != nil {
		return in, err
	}
	in.capacity = uint8(need)
	s.store(h, in)
	return in, nil
}

// insert places t by linear scan-and-shift from the end. An "off" moves past
// records with the same offset; an "on" stays after them.
func (s *Sequence) insert(h arena.Handle, in info, t Transition) info {
	i := in.count
	for i > 0 {
		prev := s.record(h, i-1)
		if prev.Offset < t.Offset || (prev.Offset == t.Offset && (t.On || !prev.On)) {
			break
		}
		copy(s.pool.Element(h, i), s.pool.Element(h, i-1))
		i--
	}
	t.encode(s.pool.Element(h, i))
	in.count++
	return in
}

// Tick raises the wanted state of every valve this sequence holds open at
// now. It never lowers a state: another running sequence may want the same
// valve, and the valve apply pass closes whatever nobody raised.
func (s *Sequence) Tick(now clock.Timestamp) {
	if s.valves == nil {
		return
	}
	for _, v := range s.ActiveValves(now) {
		s.valves.SetNewState(v, true)
	}
}

// ActiveValves returns, in ascending order, the valves this sequence holds
// open at now. Empty unless running and not paused.
func (s *Sequence) ActiveValves(now clock.Timestamp) []valve.ID {
	h, in, ok := s.load()
	if !ok || !in.running || in.paused {
		return nil
	}
	elapsed := now.Sub(in.origin)
	if elapsed < 0 {
		return nil
	}

	// last holds the index of the last record with offset <= elapsed.
	last := sort.Search(int(in.count), func(i int) bool {
		return int64(s.record(h, uint8(i)).Offset) > elapsed
	}) - 1

	var seen [valve.MaxValves / 8]byte
	var open []valve.ID
	for i := last; i >= 0; i-- {
		t := s.record(h, uint8(i))
		mask := byte(1) << (t.Valve % 8)
		if seen[t.Valve/8]&mask != 0 {
			continue
		}
		seen[t.Valve/8] |= mask
		if t.On {
			open = append(open, t.Valve)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i] < open[j] })
	return open
}

// ExpectedFlowRateLPM is the combined flow of the valves open at now.
func (s *Sequence) ExpectedFlowRateLPM(now clock.Timestamp) float64 {
	if s.valves == nil {
		return 0
	}
	var total float64
	for _, v := range s.ActiveValves(now) {
		total += s.valves.FlowRateLPM(v)
	}
	return total
}

// MaxFlowRateLPM is the highest combined flow at any point of the sequence.
func (s *Sequence) MaxFlowRateLPM() float64 {
	h, in, ok := s.load()
	if !ok || s.valves == nil {
		return 0
	}
	state := map[valve.ID]bool{}
	var peak float64
	for i := uint8(0); i < in.count; {
		off := s.record(h, i).Offset
		for ; i < in.count; i++ {
			t := s.record(h, i)
			if t.Offset != off {
				break
			}
			state[t.Valve] = t.On
		}
		var total float64
		for v, on := range state {
			if on {
				total += s.valves.FlowRateLPM(v)
			}
		}
		if total > peak {
			peak = total
		}
	}
	return peak
}

// Start runs the sequence from now. A running sequence restarts.
func (s *Sequence) Start(now clock.Timestamp) error {
	h, in, ok := s.load()
	if !ok {
		return status.New(status.AssertionFailed, "sequence not allocated")
	}
	in.running = true
	in.paused = false
	in.origin = now
	s.store(h, in)
	return nil
}

// Stop halts the sequence. Valves close on the next apply pass because
// nothing raises them any more.
func (s *Sequence) Stop() error {
	h, in, ok := s.load()
	if !ok {
		return status.New(status.AssertionFailed, "sequence not allocated")
	}
	in.running = false
	in.paused = false
	s.store(h, in)
	return nil
}

// Pause freezes elapsed time at now. Pausing twice keeps the first pause
// time.
func (s *Sequence) Pause(now clock.Timestamp) error {
	h, in, ok := s.load()
	if !ok {
		return status.New(status.AssertionFailed, "sequence not allocated")
	}
	if in.paused {
		return nil
	}
	in.paused = true
	in.pauseTime = now
	s.store(h, in)
	return nil
}

// Resume continues a paused sequence. The origin moves forward by the time
// spent paused, so elapsed time picks up where it stopped.
func (s *Sequence) Resume(now clock.Timestamp) error {
	h, in, ok := s.load()
	if !ok {
		return status.New(status.AssertionFailed, "sequence not allocated")
	}
	if !in.paused {
		return nil
	}
	in.paused = false
	in.origin = in.origin.Add(now.Sub(in.pauseTime))
	s.store(h, in)
	return nil
}

// Running reports whether the sequence has been started and not stopped.
func (s *Sequence) Running() bool {
	_, in, ok := s.load()
	return ok && in.running
}

// Paused reports whether the sequence is paused.
func (s *Sequence) Paused() bool {
	_, in, ok := s.load()
	return ok && in.paused
}

// Duration is the offset of the last transition, 0 when empty.
func (s *Sequence) Duration() int {
	h, in, ok := s.load()
	if !ok || in.count == 0 {
		return 0
	}
	return int(s.record(h, in.count-1).Offset)
}

func (s *Sequence) rawElapsed(in info, now clock.Timestamp) int64 {
	if !in.running {
		return 0
	}
	var e int64
	if in.paused {
		e = in.pauseTime.Sub(in.origin)
	} else {
		e = now.Sub(in.origin)
	}
	if e < 0 {
		return 0
	}
	return e
}

// Elapsed returns seconds into the sequence: 0 when stopped, frozen while
// paused, clamped to Duration once finished.
func (s *Sequence) Elapsed(now clock.Timestamp) int {
	_, in, ok := s.load()
	if !ok {
		return 0
	}
	e := s.rawElapsed(in, now)
	if d := int64(s.Duration()); e > d {
		e = d
	}
	return int(e)
}

// Remaining returns Duration minus Elapsed.
func (s *Sequence) Remaining(now clock.Timestamp) int {
	return s.Duration() - s.Elapsed(now)
}

// Finished reports whether a running sequence has played every transition.
func (s *Sequence) Finished(now clock.Timestamp) bool {
	_, in, ok := s.load()
	if !ok || !in.running {
		return false
	}
	return s.rawElapsed(in, now) >= int64(s.Duration())
}

// Len returns the number of transitions.
func (s *Sequence) Len() int {
	_, in, ok := s.load()
	if !ok {
		return 0
	}
	return int(in.count)
}

// Capacity returns how many transitions fit without growing.
func (s *Sequence) Capacity() int {
	_, in, ok := s.load()
	if !ok {
		return 0
	}
	return int(in.capacity)
}

// Transitions copies the records out in order.
func (s *Sequence) Transitions() []Transition {
	h, in, ok := s.load()
	if !ok {
		return nil
	}
	out := make([]Transition, in.count)
	for i := range out {
		out[i] = s.record(h, uint8(i))
	}
	return out
}

// Clear removes every transition, stops the sequence and shrinks the
// allocation to its info block. The sequence stays bound.
func (s *Sequence) Clear() error {
	h, _, ok := s.load()
	if !ok {
		return status.New(status.AssertionFailed, "sequence not allocated")
	}
	if err := s.pool.Resize(h, 0); err != nil {
		return err
	}
	s.store(h, info{})
	return nil
}

// TransferFrom moves other's allocation into s, releasing whatever s held.
// other becomes unbound. Both must live in the same pool.
func (s *Sequence) TransferFrom(other *Sequence) {
	if other == s || other == nil {
		return
	}
	if s.slot == nil || s.pool == nil || other.pool != s.pool {
		s.faults().Raise(fault.ParameterOutOfRange, "op", "transfer")
		return
	}
	h := other.handle()
	if h == s.handle() {
		return
	}
	s.Release()
	s.slot.SetHandle(h)
	if other.slot != nil {
		other.slot.SetHandle(arena.Invalid)
	}
}

// Merge adds every transition of other into s. The allocation grows once;
// on failure s is unchanged. Run state of s is kept.
func (s *Sequence) Merge(other *Sequence) error {
	h, in, ok := s.load()
	if !ok {
		return status.New(status.AssertionFailed, "sequence not allocated")
	}
	// Copy first: growing s moves other's bytes.
	incoming := other.Transitions()
	if len(incoming) == 0 {
		return nil
	}
	in, err := s.reserve(h, in, len(incoming))
	if err != nil {
		return err
	}
	for _, t := range incoming {
		in = s.insert(h, in, t)
	}
	s.store(h, in)
	return nil
}

// Status is a snapshot of a sequence for reporting.
type Status struct {
	Bound       bool    `json:"bound"`
	Running     bool    `json:"running"`
	Paused      bool    `json:"paused"`
	Elapsed     int     `json:"elapsed"`
	Remaining   int     `json:"remaining"`
	Duration    int     `json:"duration"`
	Transitions int     `json:"transitions"`
	FlowLPM     float64 `json:"flow_lpm"`
}

// Snapshot reports the state of s at now.
func (s *Sequence) Snapshot(now clock.Timestamp) Status {
	if !s.Bound() {
		return Status{}
	}
	return Status{
		Bound:       true,
		Running:     s.Running(),
		Paused:      s.Paused(),
		Elapsed:     s.Elapsed(now),
		Remaining:   s.Remaining(now),
		Duration:    s.Duration(),
		Transitions: s.Len(),
		FlowLPM:     s.ExpectedFlowRateLPM(now),
	}
}
