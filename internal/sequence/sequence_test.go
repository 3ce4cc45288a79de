package sequence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wateringctl/internal/arena"
	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/fault"
	"github.com/roach88/wateringctl/internal/status"
	"github.com/roach88/wateringctl/internal/valve"
)

type fixture struct {
	pool   *arena.Pool
	valves *valve.Registry
	faults *fault.Register
}

func newFixture(t *testing.T, poolSize int) *fixture {
	t.Helper()
	faults := fault.NewRegister(nil)
	pool, err := arena.New(poolSize, arena.WithFaults(faults))
	require.NoError(t, err)
	valves, err := valve.NewRegistry(valve.DefaultConfigs(), faults)
	require.NoError(t, err)
	return &fixture{pool: pool, valves: valves, faults: faults}
}

func (f *fixture) newSequence(t *testing.T, capacity uint8) *Sequence {
	t.Helper()
	s, err := New(f.pool, f.valves, capacity)
	require.NoError(t, err)
	return s
}

func offsets(s *Sequence) []uint16 {
	var out []uint16
	for _, tr := range s.Transitions() {
		out = append(out, tr.Offset)
	}
	return out
}

func TestTransition_Encoding(t *testing.T) {
	b := make([]byte, RecordSize)
	Transition{Valve: 0x45, On: true, Offset: 0x1234}.encode(b)
	assert.Equal(t, []byte{0xC5, 0x34, 0x12}, b)
	assert.Equal(t, Transition{Valve: 0x45, On: true, Offset: 0x1234}, decodeTransition(b))
}

func TestAddValveOpenPeriod_InsertsOnAndOff(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)

	require.NoError(t, s.AddValveOpenPeriod(1, 100, 50))
	require.NoError(t, s.AddValveOpenPeriod(2, 20, 30))

	assert.Equal(t, []Transition{
		{Valve: 2, On: true, Offset: 20},
		{Valve: 2, On: false, Offset: 50},
		{Valve: 1, On: true, Offset: 100},
		{Valve: 1, On: false, Offset: 150},
	}, s.Transitions())
	assert.Equal(t, 150, s.Duration())
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, 4, s.Capacity())
}

func TestAddValveOpenPeriod_OverflowLeavesSequenceUnchanged(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(9, 10, 20))
	before := s.Transitions()
	free := f.pool.FreeSpace()

	err := s.AddValveOpenPeriod(9, 65000, 1000)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.SequenceDurationExceedsMaximum))
	assert.Equal(t, before, s.Transitions())
	assert.Equal(t, free, f.pool.FreeSpace())

	err = s.AddValveOpenPeriod(9, -1, 10)
	assert.True(t, status.Is(err, status.SequenceDurationExceedsMaximum))
}

func TestAddValveOpenPeriod_OnTimeTooLong(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)

	err := s.AddValveOpenPeriod(0, 0, 101)
	assert.True(t, status.Is(err, status.ValveOnTimeTooLong))
	require.NoError(t, s.AddValveOpenPeriod(0, 0, 100))
}

func TestAddValveOpenPeriod_UnknownValve(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)

	err := s.AddValveOpenPeriod(10, 0, 10)
	assert.True(t, status.Is(err, status.AssertionFailed))
	assert.Zero(t, s.Len())
}

func TestAddValveOpenPeriod_ZeroDuration(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(1, 10, 0))
	assert.Zero(t, s.Len())
}

func TestAddValveOpenPeriod_InsufficientMemory(t *testing.T) {
	// Header 5 + info 11 + two records 6 = 22.
	f := newFixture(t, 24)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(1, 0, 10))

	err := s.AddValveOpenPeriod(2, 5, 10)
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InsufficientMemory))
	assert.Equal(t, []uint16{0, 10}, offsets(s))
	assert.Equal(t, 2, s.Capacity())
	assert.Equal(t, fault.None, f.faults.Last())
}

func TestAddValveOpenPeriod_RandomStaysSorted(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	f := newFixture(t, 2000)
	s := f.newSequence(t, 4)

	for i := 0; i < 100; i++ {
		v := valve.ID(rng.Intn(10))
		maxOn, _ := f.valves.MaxOnTimeSeconds(v)
		require.NoError(t, s.AddValveOpenPeriod(v, rng.Intn(5000), 1+rng.Intn(maxOn)))

		offs := offsets(s)
		for j := 1; j < len(offs); j++ {
			require.LessOrEqual(t, offs[j-1], offs[j], "after add %d", i)
		}
	}
	assert.True(t, s.CheckInvariants())
	assert.Equal(t, fault.None, f.faults.Last())
}

func TestTick_OpensValvesForElapsedTime(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(1, 0, 60))
	require.NoError(t, s.AddValveOpenPeriod(2, 30, 60))

	origin := clock.Timestamp(1000)
	require.NoError(t, s.Start(origin))

	cases := []struct {
		at   int64
		open []valve.ID
	}{
		{0, []valve.ID{1}},
		{29, []valve.ID{1}},
		{30, []valve.ID{1, 2}},
		{59, []valve.ID{1, 2}},
		{60, []valve.ID{2}},
		{89, []valve.ID{2}},
		{90, nil},
		{500, nil},
	}
	for _, tc := range cases {
		s.Tick(origin.Add(tc.at))
		f.valves.Apply()
		assert.Equal(t, tc.open, f.valves.Open(), "t=%d", tc.at)
	}
}

func TestTick_StoppedOrPausedDoesNothing(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(1, 0, 60))

	s.Tick(10)
	assert.False(t, f.valves.NewState(1))

	require.NoError(t, s.Start(0))
	require.NoError(t, s.Pause(5))
	s.Tick(10)
	assert.False(t, f.valves.NewState(1))

	require.NoError(t, s.Resume(20))
	s.Tick(20)
	assert.True(t, f.valves.NewState(1))
}

func TestTick_BackToBackPeriodsStayOpen(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	// Added out of order so the boundary records are inserted second.
	require.NoError(t, s.AddValveOpenPeriod(3, 100, 100))
	require.NoError(t, s.AddValveOpenPeriod(3, 0, 100))
	require.NoError(t, s.Start(0))

	for _, at := range []clock.Timestamp{0, 99, 100, 150, 199} {
		s.Tick(at)
		assert.True(t, f.valves.NewState(3), "t=%d", at)
		f.valves.Apply()
	}
	s.Tick(200)
	assert.False(t, f.valves.NewState(3))
}

func TestTick_MergeRuleOnWins(t *testing.T) {
	f := newFixture(t, 300)
	a := f.newSequence(t, 0)
	b := f.newSequence(t, 0)

	// At t=50 sequence A wants valve 4 on while B turns it off.
	require.NoError(t, a.AddValveOpenPeriod(4, 50, 100))
	require.NoError(t, b.AddValveOpenPeriod(4, 0, 50))
	require.NoError(t, a.Start(0))
	require.NoError(t, b.Start(0))

	a.Tick(50)
	b.Tick(50)
	f.valves.Apply()
	assert.True(t, f.valves.CurrentState(4))

	b.Tick(60)
	f.valves.Apply()
	assert.False(t, f.valves.CurrentState(4), "closed once no sequence raises it")
}

func TestPauseResume_ElapsedIsNeutral(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(5, 0, 500))
	require.NoError(t, s.Start(1000))

	before := s.Elapsed(1100)
	require.NoError(t, s.Pause(1100))
	assert.Equal(t, before, s.Elapsed(1150), "frozen while paused")
	require.NoError(t, s.Resume(1400))
	assert.Equal(t, before, s.Elapsed(1400))
	assert.Equal(t, before+10, s.Elapsed(1410))

	// A second pause keeps the first pause time.
	require.NoError(t, s.Pause(1500))
	require.NoError(t, s.Pause(1600))
	require.NoError(t, s.Resume(1700))
	assert.Equal(t, 200, s.Elapsed(1700))

	// Resume without pause does nothing.
	require.NoError(t, s.Resume(1800))
	assert.Equal(t, 300, s.Elapsed(1800))
}

func TestElapsedRemaining(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(5, 0, 300))

	assert.Equal(t, 0, s.Elapsed(50))
	assert.Equal(t, 300, s.Remaining(50), "not running: full duration remains")

	require.NoError(t, s.Start(100))
	assert.Equal(t, 50, s.Elapsed(150))
	assert.Equal(t, 250, s.Remaining(150))
	assert.False(t, s.Finished(150))

	assert.Equal(t, 300, s.Elapsed(1000), "clamped to duration")
	assert.Equal(t, 0, s.Remaining(1000))
	assert.True(t, s.Finished(400))

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, s.Elapsed(1000))
	assert.False(t, s.Running())
}

func TestStart_Restarts(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(5, 0, 300))
	require.NoError(t, s.Start(100))
	require.NoError(t, s.Pause(150))
	require.NoError(t, s.Start(200))

	assert.True(t, s.Running())
	assert.False(t, s.Paused())
	assert.Equal(t, 10, s.Elapsed(210))
}

func TestTransferFrom(t *testing.T) {
	f := newFixture(t, 200)
	dst := f.newSequence(t, 0)
	src := f.newSequence(t, 0)
	require.NoError(t, dst.AddValveOpenPeriod(1, 0, 10))
	require.NoError(t, src.AddValveOpenPeriod(2, 5, 20))
	srcHandle := src.Handle()

	dst.TransferFrom(src)
	assert.Equal(t, srcHandle, dst.Handle())
	assert.False(t, src.Bound())
	assert.Equal(t, []Transition{{Valve: 2, On: true, Offset: 5}, {Valve: 2, On: false, Offset: 25}}, dst.Transitions())
	assert.Equal(t, 1, f.pool.LiveArrays(), "previous allocation released")
	assert.Equal(t, fault.None, f.faults.Last())
}

func TestMerge(t *testing.T) {
	f := newFixture(t, 300)
	a := f.newSequence(t, 0)
	b := f.newSequence(t, 0)
	require.NoError(t, a.AddValveOpenPeriod(1, 0, 100))
	require.NoError(t, b.AddValveOpenPeriod(2, 50, 100))
	require.NoError(t, b.AddValveOpenPeriod(3, 100, 10))

	require.NoError(t, a.Merge(b))
	assert.Equal(t, []uint16{0, 50, 100, 100, 110, 150}, offsets(a))
	assert.Equal(t, 6, a.Capacity())
	assert.Equal(t, 4, b.Len(), "source untouched")

	tr := a.Transitions()
	assert.False(t, tr[2].On, "off sorts before on at equal offsets")
	assert.True(t, tr[3].On)
}

func TestMerge_InsufficientMemoryLeavesTargetUnchanged(t *testing.T) {
	// Two headers, two info blocks, two records each, 1 byte spare.
	f := newFixture(t, 2*(5+11+6)+1)
	a := f.newSequence(t, 0)
	b := f.newSequence(t, 0)
	require.NoError(t, a.AddValveOpenPeriod(1, 0, 10))
	require.NoError(t, b.AddValveOpenPeriod(2, 0, 10))

	err := a.Merge(b)
	assert.True(t, status.Is(err, status.InsufficientMemory))
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 2, a.Capacity())
}

func TestClear(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(1, 0, 10))
	require.NoError(t, s.Start(0))
	free := f.pool.FreeSpace()

	require.NoError(t, s.Clear())
	assert.True(t, s.Bound())
	assert.Zero(t, s.Len())
	assert.Zero(t, s.Capacity())
	assert.False(t, s.Running())
	assert.Equal(t, free+2*RecordSize, f.pool.FreeSpace())
}

func TestRelease(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 3)
	s.Release()
	assert.False(t, s.Bound())
	assert.Equal(t, 200, f.pool.FreeSpace())
	s.Release()
	assert.Equal(t, fault.None, f.faults.Last())
}

func TestAllocate_AlreadyAllocated(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	assert.True(t, status.Is(s.Allocate(2), status.AlreadyAllocated))
}

func TestNew_InsufficientMemory(t *testing.T) {
	f := newFixture(t, 10)
	_, err := New(f.pool, f.valves, 0)
	assert.True(t, status.Is(err, status.InsufficientMemory))
}

func TestUnbound(t *testing.T) {
	s := Unbound()

	assert.False(t, s.Bound())
	assert.Zero(t, s.Duration())
	assert.Zero(t, s.Elapsed(100))
	assert.Zero(t, s.Remaining(100))
	assert.Nil(t, s.Transitions())
	assert.Nil(t, s.ActiveValves(100))
	assert.Equal(t, Status{}, s.Snapshot(100))
	s.Tick(100)

	assert.True(t, status.Is(s.Start(0), status.AssertionFailed))
	assert.True(t, status.Is(s.Stop(), status.AssertionFailed))
	assert.True(t, status.Is(s.Pause(0), status.AssertionFailed))
	assert.True(t, status.Is(s.Resume(0), status.AssertionFailed))
	assert.True(t, status.Is(s.Clear(), status.AssertionFailed))
	assert.True(t, status.Is(s.AddValveOpenPeriod(1, 0, 10), status.AssertionFailed))
	assert.True(t, status.Is(s.Merge(Unbound()), status.AssertionFailed))
	assert.True(t, status.Is(s.Allocate(1), status.AssertionFailed))
}

func TestSequence_SurvivesCompaction(t *testing.T) {
	f := newFixture(t, 300)
	a := f.newSequence(t, 0)
	b := f.newSequence(t, 0)
	require.NoError(t, a.AddValveOpenPeriod(1, 0, 10))
	require.NoError(t, b.AddValveOpenPeriod(2, 0, 20))
	require.NoError(t, b.Start(500))
	want := b.Transitions()

	a.Release()
	assert.Equal(t, want, b.Transitions())
	assert.True(t, b.Running())
	assert.Equal(t, 5, b.Elapsed(505))
}

func TestCheckInvariants_DetectsUnsortedRecords(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(1, 0, 10))
	require.True(t, s.CheckInvariants())

	// Corrupt the first record so it sorts after the second.
	Transition{Valve: 1, On: true, Offset: 99}.encode(f.pool.Element(s.Handle(), 0))

	assert.False(t, s.CheckInvariants())
	assert.Equal(t, fault.InvariantFailed, f.faults.Last())
	assert.Nil(t, s.Transitions(), "reads refuse a corrupt sequence")
}

func TestFlowRates(t *testing.T) {
	f := newFixture(t, 300)
	s := f.newSequence(t, 0)
	// Valve 1 flows 2 L/min, valve 3 flows 4 L/min.
	require.NoError(t, s.AddValveOpenPeriod(1, 0, 100))
	require.NoError(t, s.AddValveOpenPeriod(3, 50, 100))
	require.NoError(t, s.AddValveOpenPeriod(1, 120, 10))

	assert.Equal(t, 6.0, s.MaxFlowRateLPM())

	require.NoError(t, s.Start(0))
	assert.Equal(t, 2.0, s.ExpectedFlowRateLPM(10))
	assert.Equal(t, 6.0, s.ExpectedFlowRateLPM(60))
	assert.Equal(t, 4.0, s.ExpectedFlowRateLPM(110))
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, 200)
	s := f.newSequence(t, 0)
	require.NoError(t, s.AddValveOpenPeriod(1, 0, 100))
	require.NoError(t, s.Start(0))

	assert.Equal(t, Status{
		Bound:       true,
		Running:     true,
		Elapsed:     40,
		Remaining:   60,
		Duration:    100,
		Transitions: 2,
		FlowLPM:     2,
	}, s.Snapshot(40))
}
