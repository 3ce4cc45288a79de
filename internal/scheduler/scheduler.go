// Package scheduler owns the valve sequences and the weekly and daily
// schedules that start them, all stored in one arena.
//
// Schedules refer to sequences by index. UnusedIndex means "no sequence".
// Deleting or trimming a sequence never leaves a schedule with a dangling
// reference: an index past the end of the collection resolves to an inert
// unbound sequence, so the schedule just plays nothing.
package scheduler

import (
	"encoding/binary"
	"log/slog"

	"github.com/roach88/wateringctl/internal/arena"
	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/sequence"
	"github.com/roach88/wateringctl/internal/status"
)

const (
	// UnusedIndex marks a schedule that refers to no sequence.
	UnusedIndex uint8 = 0xFF

	// NoRun marks a weekday on which a weekly schedule does not fire.
	NoRun uint16 = 0xFFFF

	// MaxEntries is the largest count a collection can be resized to.
	MaxEntries = 0xFE

	weeklySize = 15
	dailySize  = 8
	handleSize = 1
)

// Weekly fires its sequence at a local start minute on selected weekdays.
type Weekly struct {
	// StartMinutes holds the local start minute for each weekday, index 0 is
	// Sunday. NoRun skips the day.
	StartMinutes [7]uint16
	Sequence     uint8
}

// NewWeekly returns a weekly schedule that never fires.
func NewWeekly() Weekly {
	w := Weekly{Sequence: UnusedIndex}
	for i := range w.StartMinutes {
		w.StartMinutes[i] = NoRun
	}
	return w
}

func decodeWeekly(b []byte) Weekly {
	if len(b) < weeklySize {
		return NewWeekly()
	}
	var w Weekly
	for i := range w.StartMinutes {
		w.StartMinutes[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	w.Sequence = b[14]
	return w
}

func (w Weekly) encode(b []byte) {
	for i, m := range w.StartMinutes {
		binary.LittleEndian.PutUint16(b[2*i:], m)
	}
	b[14] = w.Sequence
}

// Daily fires its sequence every PeriodDays days at a local start minute,
// counting days from the local day that contains Origin. A zero period never
// fires.
type Daily struct {
	StartMinute uint16
	PeriodDays  uint8
	Origin      clock.Timestamp
	Sequence    uint8
}

// NewDaily returns a daily schedule that never fires.
func NewDaily() Daily {
	return Daily{Sequence: UnusedIndex}
}

func decodeDaily(b []byte) Daily {
	if len(b) < dailySize {
		return NewDaily()
	}
	return Daily{
		StartMinute: binary.LittleEndian.Uint16(b[0:2]),
		PeriodDays:  b[2],
		Origin:      clock.Timestamp(binary.LittleEndian.Uint32(b[3:7])),
		Sequence:    b[7],
	}
}

func (d Daily) encode(b []byte) {
	binary.LittleEndian.PutUint16(b[0:2], d.StartMinute)
	b[2] = d.PeriodDays
	binary.LittleEndian.PutUint32(b[3:7], uint32(d.Origin))
	b[7] = d.Sequence
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithZoneMinutes sets the local offset from UTC used for schedule start
// times.
func WithZoneMinutes(minutes int) Option {
	return func(s *Scheduler) {
		s.zone = minutes
	}
}

// WithLogger sets the logger for schedule triggers.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// Scheduler owns three arena arrays: sequence handles, weekly schedules and
// daily schedules.
type Scheduler struct {
	pool      *arena.Pool
	valves    sequence.Valves
	sequences arena.Handle
	weekly    arena.Handle
	daily     arena.Handle
	zone      int
	logger    *slog.Logger

	lastTick clock.Timestamp
	ticked   bool
	dummy    *sequence.Sequence
}

// New allocates the three empty collections in pool.
func New(pool *arena.Pool, valves sequence.Valves, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		pool:   pool,
		valves: valves,
		logger: slog.New(slog.DiscardHandler),
		dummy:  sequence.Unbound(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sequences = pool.Allocate(0, handleSize, 0)
	s.weekly = pool.Allocate(0, weeklySize, 0)
	s.daily = pool.Allocate(0, dailySize, 0)
	if !s.sequences.Valid() || !s.weekly.Valid() || !s.daily.Valid() {
		pool.Deallocate(s.sequences)
		pool.Deallocate(s.weekly)
		pool.Deallocate(s.daily)
		return nil, status.New(status.InsufficientMemory, "no room for scheduler collections")
	}
	return s, nil
}

// Close releases every sequence and the three collections.
func (s *Scheduler) Close() {
	if !s.sequences.Valid() {
		return
	}
	_ = s.ResizeValveSequencesArray(0)
	s.pool.Deallocate(s.daily)
	s.pool.Deallocate(s.weekly)
	s.pool.Deallocate(s.sequences)
	s.sequences, s.weekly, s.daily = arena.Invalid, arena.Invalid, arena.Invalid
}

// ZoneMinutes returns the local offset from UTC.
func (s *Scheduler) ZoneMinutes() int {
	return s.zone
}

// seqSlot is the handle byte of sequence idx inside the sequences array.
type seqSlot struct {
	s   *Scheduler
	idx uint8
}

func (sl seqSlot) Handle() arena.Handle {
	if !sl.s.sequences.Valid() || sl.idx >= sl.s.pool.Count(sl.s.sequences) {
		return arena.Invalid
	}
	return arena.Handle(sl.s.pool.Element(sl.s.sequences, sl.idx)[0])
}

func (sl seqSlot) SetHandle(h arena.Handle) {
	if !sl.s.sequences.Valid() || sl.idx >= sl.s.pool.Count(sl.s.sequences) {
		return
	}
	sl.s.pool.Element(sl.s.sequences, sl.idx)[0] = byte(h)
}

func (s *Scheduler) count(h arena.Handle) uint8 {
	if !h.Valid() {
		return 0
	}
	return s.pool.Count(h)
}

// SequenceCount returns the size of the sequences collection.
func (s *Scheduler) SequenceCount() int { return int(s.count(s.sequences)) }

// WeeklyCount returns the size of the weekly schedules collection.
func (s *Scheduler) WeeklyCount() int { return int(s.count(s.weekly)) }

// DailyCount returns the size of the daily schedules collection.
func (s *Scheduler) DailyCount() int { return int(s.count(s.daily)) }

// ResizeValveSequencesArray sets the number of sequences. New sequences are
// empty. Removed sequences release their storage. On InsufficientMemory the
// collection keeps its previous size.
func (s *Scheduler) ResizeValveSequencesArray(n uint8) error {
	if n == 0xFF {
		return status.New(status.RequestedCountTooLarge, "%d sequences requested", n)
	}
	old := s.count(s.sequences)
	switch {
	case n == old:
		return nil

	case n < old:
		for i := n; i < old; i++ {
			s.ValveSequence(i).Release()
		}
		return s.pool.Resize(s.sequences, n)

	default:
		if err := s.pool.Resize(s.sequences, n); err != nil {
			return err
		}
		for i := old; i < n; i++ {
			seqSlot{s: s, idx: i}.SetHandle(arena.Invalid)
		}
		for i := old; i < n; i++ {
			if err := s.ValveSequence(i).Allocate(0); err != nil {
				for j := old; j < i; j++ {
					s.ValveSequence(j).Release()
				}
				_ = s.pool.Resize(s.sequences, old)
				return err
			}
		}
		return nil
	}
}

// ValveSequence returns sequence i. Out of range yields an unbound sequence
// that ignores every mutation.
func (s *Scheduler) ValveSequence(i uint8) *sequence.Sequence {
	if i >= s.count(s.sequences) {
		return s.dummy
	}
	return sequence.Attach(s.pool, s.valves, seqSlot{s: s, idx: i})
}

// DeleteValveSequence empties sequence i. Schedules that refer to it keep
// their index and play nothing.
func (s *Scheduler) DeleteValveSequence(i uint8) {
	if i >= s.count(s.sequences) {
		return
	}
	_ = s.ValveSequence(i).Clear()
}

// ResizeWeeklySchedulesArray sets the number of weekly schedules. New
// entries never fire and refer to no sequence.
func (s *Scheduler) ResizeWeeklySchedulesArray(n uint8) error {
	if n == 0xFF {
		return status.New(status.RequestedCountTooLarge, "%d weekly schedules requested", n)
	}
	old := s.count(s.weekly)
	if err := s.pool.Resize(s.weekly, n); err != nil {
		return err
	}
	for i := old; i < n; i++ {
		NewWeekly().encode(s.pool.Element(s.weekly, i))
	}
	return nil
}

// WeeklySchedule returns a handle on weekly schedule i.
func (s *Scheduler) WeeklySchedule(i uint8) WeeklySlot {
	return WeeklySlot{s: s, index: i}
}

// DeleteWeeklySchedule detaches weekly schedule i from its sequence.
func (s *Scheduler) DeleteWeeklySchedule(i uint8) {
	w := s.WeeklySchedule(i)
	if !w.Valid() {
		return
	}
	v := w.Load()
	v.Sequence = UnusedIndex
	_ = w.Store(v)
}

// ResizeDailySchedulesArray sets the number of daily schedules. New entries
// never fire and refer to no sequence.
func (s *Scheduler) ResizeDailySchedulesArray(n uint8) error {
	if n == 0xFF {
		return status.New(status.RequestedCountTooLarge, "%d daily schedules requested", n)
	}
	old := s.count(s.daily)
	if err := s.pool.Resize(s.daily, n); err != nil {
		return err
	}
	for i := old; i < n; i++ {
		NewDaily().encode(s.pool.Element(s.daily, i))
	}
	return nil
}

// DailySchedule returns a handle on daily schedule i.
func (s *Scheduler) DailySchedule(i uint8) DailySlot {
	return DailySlot{s: s, index: i}
}

// DeleteDailySchedule detaches daily schedule i from its sequence.
func (s *Scheduler) DeleteDailySchedule(i uint8) {
	d := s.DailySchedule(i)
	if !d.Valid() {
		return
	}
	v := d.Load()
	v.Sequence = UnusedIndex
	_ = d.Store(v)
}

// referenced marks every sequence index some schedule points at.
func (s *Scheduler) referenced() [256]bool {
	var used [256]bool
	for i := uint8(0); i < s.count(s.weekly); i++ {
		if idx := s.WeeklySchedule(i).Load().Sequence; idx != UnusedIndex {
			used[idx] = true
		}
	}
	for i := uint8(0); i < s.count(s.daily); i++ {
		if idx := s.DailySchedule(i).Load().Sequence; idx != UnusedIndex {
			used[idx] = true
		}
	}
	return used
}

// DeleteOrphanSequences empties every sequence above the highest index a
// schedule refers to and trims the collection after it. With no references
// at all the collection becomes empty. Unreferenced sequences below the
// highest referenced one are kept.
func (s *Scheduler) DeleteOrphanSequences() error {
	used := s.referenced()
	count := s.count(s.sequences)
	keep := uint8(0)
	for i := uint8(0); i < count; i++ {
		if used[i] {
			keep = i + 1
		}
	}
	for i := keep; i < count; i++ {
		_ = s.ValveSequence(i).Clear()
	}
	return s.ResizeValveSequencesArray(keep)
}

// CompactSequences moves the referenced sequences to the front of the
// collection in index order, rewrites schedule references to match and
// drops every unreferenced sequence.
func (s *Scheduler) CompactSequences() error {
	used := s.referenced()
	count := s.count(s.sequences)

	var mapping [256]uint8
	for i := range mapping {
		mapping[i] = UnusedIndex
	}
	next := uint8(0)
	for i := uint8(0); i < count; i++ {
		if !used[i] {
			continue
		}
		if i != next {
			s.ValveSequence(next).TransferFrom(s.ValveSequence(i))
		}
		mapping[i] = next
		next++
	}

	for i := uint8(0); i < s.count(s.weekly); i++ {
		w := s.WeeklySchedule(i)
		v := w.Load()
		if v.Sequence != UnusedIndex {
			v.Sequence = mapping[v.Sequence]
			_ = w.Store(v)
		}
	}
	for i := uint8(0); i < s.count(s.daily); i++ {
		d := s.DailySchedule(i)
		v := d.Load()
		if v.Sequence != UnusedIndex {
			v.Sequence = mapping[v.Sequence]
			_ = d.Store(v)
		}
	}
	return s.ResizeValveSequencesArray(next)
}

// Tick fires schedules, plays running sequences and stops finished ones.
//
// A schedule fires when its next start after the previous tick is at or
// before now; its sequence starts at that start time, not at now, so a late
// tick does not shift the program. The first tick only records the time, as
// does a tick that goes backwards.
func (s *Scheduler) Tick(now clock.Timestamp) {
	if s.ticked && now.After(s.lastTick) {
		s.fireWeekly(now)
		s.fireDaily(now)
	}
	s.lastTick = now
	s.ticked = true

	count := s.count(s.sequences)
	for i := uint8(0); i < count; i++ {
		s.ValveSequence(i).Tick(now)
	}
	for i := uint8(0); i < count; i++ {
		seq := s.ValveSequence(i)
		if seq.Finished(now) {
			_ = seq.Stop()
			s.logger.Debug("sequence finished", "sequence", int(i), "at", now.String())
		}
	}
}

func (s *Scheduler) fireWeekly(now clock.Timestamp) {
	for i := uint8(0); i < s.count(s.weekly); i++ {
		w := s.WeeklySchedule(i).Load()
		if w.Sequence == UnusedIndex {
			continue
		}
		var fire clock.Timestamp
		found := false
		for day, minute := range w.StartMinutes {
			if minute == NoRun || int(minute) >= clock.MinutesPerDay {
				continue
			}
			next := s.lastTick.NextWeekly(day, int(minute), s.zone)
			if !next.After(now) && (!found || next.After(fire)) {
				fire, found = next, true
			}
		}
		if found {
			s.start("weekly", i, w.Sequence, fire)
		}
	}
}

func (s *Scheduler) fireDaily(now clock.Timestamp) {
	for i := uint8(0); i < s.count(s.daily); i++ {
		d := s.DailySchedule(i).Load()
		if d.Sequence == UnusedIndex || d.PeriodDays == 0 || int(d.StartMinute) >= clock.MinutesPerDay {
			continue
		}
		next := s.lastTick.NextDailyRepeat(d.Origin, int(d.PeriodDays), int(d.StartMinute), s.zone)
		if !next.After(now) {
			s.start("daily", i, d.Sequence, next)
		}
	}
}

func (s *Scheduler) start(kind string, schedule, seq uint8, at clock.Timestamp) {
	err := s.ValveSequence(seq).Start(at)
	s.logger.Info("schedule fired",
		"kind", kind,
		"schedule", int(schedule),
		"sequence", int(seq),
		"at", at.String(),
		"result", status.CodeOf(err).String(),
	)
}

// WeeklySlot addresses one weekly schedule. It holds an index, not the
// bytes, so it stays usable across arena compaction.
type WeeklySlot struct {
	s     *Scheduler
	index uint8
}

// Valid reports whether the slot is inside the collection.
func (w WeeklySlot) Valid() bool {
	return w.s != nil && w.index < w.s.count(w.s.weekly)
}

// Load reads the schedule. An invalid slot reads as NewWeekly().
func (w WeeklySlot) Load() Weekly {
	if !w.Valid() {
		return NewWeekly()
	}
	return decodeWeekly(w.s.pool.Element(w.s.weekly, w.index))
}

// Store writes the schedule. An invalid slot returns AssertionFailed.
func (w WeeklySlot) Store(v Weekly) error {
	if !w.Valid() {
		return status.New(status.AssertionFailed, "weekly schedule %d out of range", w.index)
	}
	v.encode(w.s.pool.Element(w.s.weekly, w.index))
	return nil
}

// DailySlot addresses one daily schedule.
type DailySlot struct {
	s     *Scheduler
	index uint8
}

// Valid reports whether the slot is inside the collection.
func (d DailySlot) Valid() bool {
	return d.s != nil && d.index < d.s.count(d.s.daily)
}

// Load reads the schedule. An invalid slot reads as NewDaily().
func (d DailySlot) Load() Daily {
	if !d.Valid() {
		return NewDaily()
	}
	return decodeDaily(d.s.pool.Element(d.s.daily, d.index))
}

// Store writes the schedule. An invalid slot returns AssertionFailed.
func (d DailySlot) Store(v Daily) error {
	if !d.Valid() {
		return status.New(status.AssertionFailed, "daily schedule %d out of range", d.index)
	}
	v.encode(d.s.pool.Element(d.s.daily, d.index))
	return nil
}
