package arena

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wateringctl/internal/fault"
	"github.com/roach88/wateringctl/internal/status"
)

func newPool(t *testing.T, size int) (*Pool, *fault.Register) {
	t.Helper()
	faults := fault.NewRegister(nil)
	p, err := New(size, WithFaults(faults))
	require.NoError(t, err)
	return p, faults
}

// fill writes a recognisable pattern into every element of h.
func fill(p *Pool, h Handle, seed byte) {
	for i := uint8(0); i < p.Count(h); i++ {
		e := p.Element(h, i)
		for j := range e {
			e[j] = seed + i*7 + byte(j)
		}
	}
}

func contents(p *Pool, h Handle) []byte {
	out := []byte{}
	out = append(out, p.InfoBlock(h)...)
	for i := uint8(0); i < p.Count(h); i++ {
		out = append(out, p.Element(h, i)...)
	}
	return out
}

// requireConsistent checks the space accounting and that live arrays tile the
// data region without overlapping.
func requireConsistent(t *testing.T, p *Pool) {
	t.Helper()
	arrays := p.Arrays()
	data := 0
	for _, a := range arrays {
		data += a.End() - a.Start
		require.GreaterOrEqual(t, a.Start, p.HeaderSlots()*HeaderSize, "array %d overlaps header table", a.Handle)
		require.LessOrEqual(t, a.End(), p.Capacity(), "array %d past end of pool", a.Handle)
	}
	require.Equal(t, p.Capacity(), p.HeaderSlots()*HeaderSize+data+p.FreeSpace())

	sort.Slice(arrays, func(i, j int) bool { return arrays[i].Start < arrays[j].Start })
	for i := 1; i < len(arrays); i++ {
		prev, cur := arrays[i-1], arrays[i]
		if cur.End() == cur.Start {
			// Empty arrays sit on a boundary, never strictly inside another.
			require.True(t, cur.Start >= prev.End() || cur.Start == prev.Start,
				"empty array %d inside array %d", cur.Handle, prev.Handle)
			continue
		}
		require.LessOrEqual(t, prev.End(), cur.Start, "arrays %d and %d overlap", prev.Handle, cur.Handle)
	}
	if p.HeaderSlots() > 0 {
		last := p.HeaderSlots() - 1
		require.True(t, p.Live(Handle(last)), "trailing freed slot not trimmed")
	}
}

func TestNew_RejectsSize(t *testing.T) {
	_, err := New(-1)
	assert.Error(t, err)
	_, err = New(MaxSize + 1)
	assert.Error(t, err)

	p, err := New(MaxSize)
	require.NoError(t, err)
	assert.Equal(t, MaxSize, p.FreeSpace())
}

func TestAllocate_Layout(t *testing.T) {
	p, _ := newPool(t, 64)

	a := p.Allocate(4, 2, 2)
	require.Equal(t, Handle(0), a)
	assert.Equal(t, 64-8-HeaderSize, p.FreeSpace())
	assert.Len(t, p.InfoBlock(a), 4)
	assert.Len(t, p.Element(a, 1), 2)
	assert.Equal(t, uint8(2), p.Count(a))

	b := p.Allocate(0, 3, 1)
	require.Equal(t, Handle(1), b)
	arrays := p.Arrays()
	require.Len(t, arrays, 2)
	assert.Equal(t, 56, arrays[0].Start)
	assert.Equal(t, 53, arrays[1].Start)
	requireConsistent(t, p)
}

func TestAllocate_ElementSliceCannotGrowIntoNeighbour(t *testing.T) {
	p, _ := newPool(t, 64)
	a := p.Allocate(0, 2, 2)
	e := p.Element(a, 0)
	assert.Equal(t, 2, cap(e))
}

func TestAllocate_FailsWhenFull(t *testing.T) {
	p, faults := newPool(t, 20)

	a := p.Allocate(0, 5, 2) // 10 data + 5 header
	require.True(t, a.Valid())
	assert.Equal(t, 5, p.FreeSpace())

	// 1 data byte + a new 5 byte header does not fit.
	assert.Equal(t, Invalid, p.Allocate(0, 1, 1))
	assert.Equal(t, 5, p.FreeSpace(), "failed allocation must not change the pool")
	assert.Equal(t, fault.None, faults.Last(), "allocation failure is a result, not a fault")
	requireConsistent(t, p)
}

func TestAllocate_ReusesFreedSlotWithoutNewHeader(t *testing.T) {
	p, _ := newPool(t, 40)
	a := p.Allocate(0, 1, 4)
	b := p.Allocate(0, 1, 4)
	require.True(t, b.Valid())

	p.Deallocate(a)
	assert.Equal(t, 2, p.HeaderSlots(), "slot 0 is freed but not trailing")

	c := p.Allocate(0, 1, 4)
	assert.Equal(t, a, c)
	assert.Equal(t, 2, p.HeaderSlots())
	requireConsistent(t, p)
}

func TestAllocate_MaxArrays(t *testing.T) {
	p, err := New(MaxArrays*HeaderSize + 10)
	require.NoError(t, err)
	for i := 0; i < MaxArrays; i++ {
		require.True(t, p.Allocate(0, 0, 0).Valid(), "allocation %d", i)
	}
	assert.Equal(t, Invalid, p.Allocate(0, 0, 0))
	requireConsistent(t, p)
}

// Pool of 64 bytes: A and B allocated, A freed, C allocated. B's bytes move
// but its values do not.
func TestPool_CompactionScenario(t *testing.T) {
	p, faults := newPool(t, 64)

	a := p.Allocate(4, 2, 2)
	require.True(t, a.Valid())
	b := p.Allocate(4, 2, 2)
	require.True(t, b.Valid())

	copy(p.InfoBlock(b), []byte{0xB0, 0xB1, 0xB2, 0xB3})
	copy(p.Element(b, 0), []byte{0x11, 0x22})
	copy(p.Element(b, 1), []byte{0x33, 0x44})
	before := p.Arrays()[1].Start

	p.Deallocate(a)
	requireConsistent(t, p)

	c := p.Allocate(4, 2, 2)
	require.True(t, c.Valid())
	requireConsistent(t, p)

	var after int
	for _, info := range p.Arrays() {
		if info.Handle == b {
			after = info.Start
		}
	}
	assert.NotEqual(t, before, after, "B should have moved during compaction")
	assert.Equal(t, []byte{0xB0, 0xB1, 0xB2, 0xB3}, p.InfoBlock(b))
	assert.Equal(t, []byte{0x11, 0x22}, p.Element(b, 0))
	assert.Equal(t, []byte{0x33, 0x44}, p.Element(b, 1))
	assert.Equal(t, fault.None, faults.Last())
}

func TestDeallocate_AllReturnsToInitialState(t *testing.T) {
	p, _ := newPool(t, 200)
	initial := p.FreeSpace()

	var handles []Handle
	for i := 0; i < 6; i++ {
		h := p.Allocate(uint8(i), 3, uint8(i+1))
		require.True(t, h.Valid())
		handles = append(handles, h)
	}
	// Free out of order so every trimming path runs.
	for _, i := range []int{2, 0, 5, 1, 4, 3} {
		p.Deallocate(handles[i])
		requireConsistent(t, p)
	}
	assert.Equal(t, initial, p.FreeSpace())
	assert.Equal(t, 0, p.HeaderSlots())
	assert.Equal(t, 0, p.LiveArrays())
}

func TestDeallocate_Invalid(t *testing.T) {
	p, faults := newPool(t, 64)
	p.Deallocate(Invalid)
	assert.Equal(t, fault.None, faults.Last())
}

func TestDeallocate_Twice(t *testing.T) {
	p, faults := newPool(t, 64)
	a := p.Allocate(0, 1, 1)
	b := p.Allocate(0, 1, 1)
	require.True(t, b.Valid())

	p.Deallocate(a)
	p.Deallocate(a)
	assert.Equal(t, fault.ArrayDeallocatedTwice, faults.Last())

	faults.Clear()
	p.Deallocate(b)
	p.Deallocate(b) // slot trimmed: out of range now
	assert.Equal(t, fault.ArrayDeallocatedTwice, faults.Last())
	assert.Equal(t, 64, p.FreeSpace())
}

func TestDeallocateAll(t *testing.T) {
	p, _ := newPool(t, 64)
	p.Allocate(1, 1, 1)
	p.Allocate(2, 2, 2)
	p.DeallocateAll()
	assert.Equal(t, 64, p.FreeSpace())
	assert.Equal(t, 0, p.HeaderSlots())
}

func TestAccessors_StaleHandle(t *testing.T) {
	p, faults := newPool(t, 64)
	a := p.Allocate(2, 2, 2)
	p.Allocate(0, 1, 1)
	p.Deallocate(a)

	assert.Nil(t, p.Element(a, 0))
	assert.Equal(t, fault.ArrayUsedWhileInvalid, faults.Last())

	faults.Clear()
	assert.Nil(t, p.InfoBlock(a))
	assert.Equal(t, fault.ArrayUsedWhileInvalid, faults.Last())

	faults.Clear()
	assert.Zero(t, p.Count(Invalid))
	assert.Equal(t, fault.ArrayUsedWhileInvalid, faults.Last())

	faults.Clear()
	err := p.Resize(Handle(40), 3)
	assert.True(t, status.Is(err, status.AssertionFailed))
	assert.Equal(t, fault.ArrayUsedWhileInvalid, faults.Last())

	assert.False(t, p.Live(a))
}

func TestElement_OutOfBounds(t *testing.T) {
	p, faults := newPool(t, 64)
	a := p.Allocate(0, 2, 3)
	assert.Nil(t, p.Element(a, 3))
	assert.Equal(t, fault.ArrayElementOutOfBounds, faults.Last())
}

func TestResize_GrowPreservesEveryArray(t *testing.T) {
	p, _ := newPool(t, 100)
	a := p.Allocate(2, 2, 2)
	b := p.Allocate(1, 3, 2)
	c := p.Allocate(0, 1, 4)
	fill(p, a, 10)
	fill(p, b, 40)
	fill(p, c, 90)
	copy(p.InfoBlock(a), []byte{1, 2})
	copy(p.InfoBlock(b), []byte{9})
	wantB := contents(p, b)
	wantC := contents(p, c)
	wantA := contents(p, a)

	require.NoError(t, p.Resize(a, 5))
	requireConsistent(t, p)

	assert.Equal(t, uint8(5), p.Count(a))
	assert.Equal(t, wantA, contents(p, a)[:len(wantA)])
	assert.Equal(t, []byte{0, 0}, p.Element(a, 4), "new elements are zeroed")
	assert.Equal(t, wantB, contents(p, b))
	assert.Equal(t, wantC, contents(p, c))
}

func TestResize_ShrinkPreservesEveryArray(t *testing.T) {
	p, _ := newPool(t, 100)
	a := p.Allocate(2, 2, 6)
	b := p.Allocate(1, 3, 2)
	fill(p, a, 10)
	fill(p, b, 40)
	wantA := contents(p, a)
	wantB := contents(p, b)
	free := p.FreeSpace()

	require.NoError(t, p.Resize(a, 2))
	requireConsistent(t, p)
	assert.Equal(t, free+8, p.FreeSpace())
	assert.Equal(t, wantA[:2+2*2], contents(p, a))
	assert.Equal(t, wantB, contents(p, b))
}

func TestResize_InsufficientMemoryLeavesPoolUnchanged(t *testing.T) {
	p, faults := newPool(t, 30)
	a := p.Allocate(0, 4, 2)
	b := p.Allocate(0, 2, 2)
	fill(p, a, 1)
	fill(p, b, 2)
	wantA, wantB := contents(p, a), contents(p, b)

	err := p.Resize(a, 4) // 8 extra bytes, 8 free is enough
	require.NoError(t, err)
	err = p.Resize(a, 5) // 4 extra, 0 free
	require.Error(t, err)
	assert.True(t, status.Is(err, status.InsufficientMemory))
	assert.Equal(t, fault.None, faults.Last())

	assert.Equal(t, uint8(4), p.Count(a))
	assert.Equal(t, wantA, contents(p, a)[:8])
	assert.Equal(t, wantB, contents(p, b))
	requireConsistent(t, p)
}

func TestResize_SameCount(t *testing.T) {
	p, _ := newPool(t, 30)
	a := p.Allocate(0, 4, 2)
	before := p.Arrays()
	require.NoError(t, p.Resize(a, 2))
	assert.Equal(t, before, p.Arrays())
}

// An empty array allocated after a neighbour shares that neighbour's start.
// Freeing or shrinking the neighbour must carry the empty array along, or a
// later grow of the empty array writes into live data.
func TestResize_EmptyArrayStaysOnBoundary(t *testing.T) {
	p, _ := newPool(t, 80)
	a := p.Allocate(0, 2, 3)
	b := p.Allocate(0, 2, 2)
	empty := p.Allocate(0, 3, 0)
	fill(p, a, 10)
	fill(p, b, 50)
	wantA := contents(p, a)

	p.Deallocate(b)
	requireConsistent(t, p)

	require.NoError(t, p.Resize(empty, 2))
	requireConsistent(t, p)
	fill(p, empty, 200)
	assert.Equal(t, wantA, contents(p, a))

	require.NoError(t, p.Resize(a, 1))
	require.NoError(t, p.Resize(empty, 0))
	requireConsistent(t, p)
	require.NoError(t, p.Resize(a, 3))
	require.NoError(t, p.Resize(empty, 4))
	requireConsistent(t, p)
	fill(p, empty, 100)
	assert.Equal(t, wantA[:2], contents(p, a)[:2])
}

func TestExtent(t *testing.T) {
	p, faults := newPool(t, 64)
	a := p.Allocate(4, 2, 2)
	b := p.Allocate(0, 3, 1)

	start, end, ok := p.Extent(b)
	require.True(t, ok)
	assert.Equal(t, 53, start)
	assert.Equal(t, 56, end)

	p.Deallocate(a)
	start, end, ok = p.Extent(b)
	require.True(t, ok)
	assert.Equal(t, 61, start)
	assert.Equal(t, 64, end)

	_, _, ok = p.Extent(a)
	assert.False(t, ok)
	assert.Equal(t, fault.ArrayUsedWhileInvalid, faults.Last())
}

func TestStats(t *testing.T) {
	p, _ := newPool(t, 64)
	p.Allocate(4, 2, 2)
	s := p.Stats()
	assert.Equal(t, Stats{
		Capacity:    64,
		FreeSpace:   51,
		HeaderSlots: 1,
		HeaderBytes: 5,
		DataBytes:   8,
		LiveArrays:  1,
	}, s)
}

// Random allocate/resize/deallocate traffic against a shadow copy of every
// array's bytes.
func TestPool_RandomisedConsistency(t *testing.T) {
	rng := rand.New(rand.NewSource(20220714))
	p, faults := newPool(t, 400)
	shadow := map[Handle][]byte{}

	for step := 0; step < 3000; step++ {
		switch op := rng.Intn(4); {
		case op == 0 || len(shadow) == 0:
			info, elem, count := uint8(rng.Intn(4)), uint8(rng.Intn(5)), uint8(rng.Intn(6))
			h := p.Allocate(info, elem, count)
			if !h.Valid() {
				continue
			}
			_, exists := shadow[h]
			require.False(t, exists, "handle %d handed out twice", h)
			fill(p, h, byte(step))
			shadow[h] = contents(p, h)

		case op == 1:
			h := pick(rng, shadow)
			p.Deallocate(h)
			delete(shadow, h)

		default:
			h := pick(rng, shadow)
			n := uint8(rng.Intn(8))
			old := p.Count(h)
			err := p.Resize(h, n)
			if err != nil {
				require.True(t, status.Is(err, status.InsufficientMemory))
				require.Equal(t, old, p.Count(h))
				break
			}
			want := shadow[h]
			got := contents(p, h)
			if n <= old {
				require.Equal(t, want[:len(got)], got)
			} else {
				require.Equal(t, want, got[:len(want)])
			}
			fill(p, h, byte(step))
			shadow[h] = contents(p, h)
		}

		requireConsistent(t, p)
		for h, want := range shadow {
			require.Equal(t, want, contents(p, h), "step %d handle %d", step, h)
		}
	}
	require.Equal(t, fault.None, faults.Last())

	for h := range shadow {
		p.Deallocate(h)
	}
	assert.Equal(t, 400, p.FreeSpace())
	assert.Equal(t, 0, p.HeaderSlots())
}

func pick(rng *rand.Rand, m map[Handle][]byte) Handle {
	keys := make([]Handle, 0, len(m))
	for h := range m {
		keys = append(keys, h)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[rng.Intn(len(keys))]
}
