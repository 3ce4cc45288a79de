package arena

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/roach88/wateringctl/internal/fault"
	"github.com/roach88/wateringctl/internal/status"
)

// Handle identifies one array in a Pool.
type Handle uint8

// Invalid is the handle returned by a failed Allocate. It never refers to an
// array.
const Invalid Handle = 0xFF

// Valid reports whether h could refer to an array. A valid handle may still
// have been freed; only the pool knows.
func (h Handle) Valid() bool {
	return h != Invalid
}

const (
	// HeaderSize is the number of pool bytes each header slot consumes.
	HeaderSize = 5

	// MaxArrays is the maximum number of header slots.
	MaxArrays = 0xFE

	// MaxSize is the largest pool. dataStart is 16 bits and 0xFFFF marks a
	// freed slot, so an empty array at the very end must stay below it.
	MaxSize = 0xFFFE

	freedStart = 0xFFFF
)

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for debug records of failed requests.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// WithFaults sets the register that receives misuse codes.
// Default: fault.Process.
func WithFaults(r *fault.Register) Option {
	return func(p *Pool) {
		p.faults = r
	}
}

// Pool is a fixed-size byte arena. See the package documentation for the
// layout and the handle rules.
type Pool struct {
	buf    []byte
	slots  int // header slots in the table, freed ones included
	front  int // offset of the lowest allocated data byte
	faults *fault.Register
	logger *slog.Logger
}

// New creates a pool of size bytes. The header table is carved out of the
// same bytes, so each array costs HeaderSize bytes on top of its data.
func New(size int, opts ...Option) (*Pool, error) {
	if size < 0 || size > MaxSize {
		return nil, fmt.Errorf("arena size %d out of range [0, %d]", size, MaxSize)
	}
	p := &Pool{
		buf:    make([]byte, size),
		front:  size,
		faults: fault.Process,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

type header struct {
	start    int
	infoSize uint8
	elemSize uint8
	count    uint8
}

func (h header) size() int {
	return int(h.infoSize) + int(h.elemSize)*int(h.count)
}

func (h header) freed() bool {
	return h.start == freedStart
}

func (p *Pool) readHeader(i int) header {
	b := p.buf[i*HeaderSize : (i+1)*HeaderSize]
	return header{
		start:    int(binary.LittleEndian.Uint16(b[0:2])),
		infoSize: b[2],
		elemSize: b[3],
		count:    b[4],
	}
}

func (p *Pool) writeHeader(i int, h header) {
	b := p.buf[i*HeaderSize : (i+1)*HeaderSize]
	binary.LittleEndian.PutUint16(b[0:2], uint16(h.start))
	b[2] = h.infoSize
	b[3] = h.elemSize
	b[4] = h.count
}

// Capacity returns the pool size in bytes.
func (p *Pool) Capacity() int {
	return len(p.buf)
}

// Faults returns the register that receives misuse codes. Types that store
// their state in the pool report their own programmer errors to it too.
func (p *Pool) Faults() *fault.Register {
	return p.faults
}

// FreeSpace returns the bytes between the header table and the data region.
func (p *Pool) FreeSpace() int {
	return p.front - p.slots*HeaderSize
}

// HeaderSlots returns the number of header slots, freed ones included.
func (p *Pool) HeaderSlots() int {
	return p.slots
}

// LiveArrays returns the number of allocated arrays.
func (p *Pool) LiveArrays() int {
	n := 0
	for i := 0; i < p.slots; i++ {
		if !p.readHeader(i).freed() {
			n++
		}
	}
	return n
}

// Allocate reserves an array of count elements of elemSize bytes, preceded
// by an info block of infoSize bytes. The bytes are zeroed.
//
// Returns Invalid when every header slot is taken or the free space cannot
// hold the data (plus a new header slot if no freed one can be reused).
func (p *Pool) Allocate(infoSize, elemSize, count uint8) Handle {
	idx := p.firstFreeSlot()
	need := int(infoSize) + int(elemSize)*int(count)
	extra := need
	if idx == p.slots {
		extra += HeaderSize
	}
	if idx >= MaxArrays || extra > p.FreeSpace() {
		p.logger.Debug("arena allocation failed",
			"info_size", infoSize,
			"element_size", elemSize,
			"count", count,
			"needed", extra,
			"free", p.FreeSpace(),
			"slots", p.slots,
		)
		return Invalid
	}

	if idx == p.slots {
		p.slots++
	}
	p.front -= need
	clear(p.buf[p.front : p.front+need])
	p.writeHeader(idx, header{start: p.front, infoSize: infoSize, elemSize: elemSize, count: count})
	return Handle(idx)
}

func (p *Pool) firstFreeSlot() int {
	for i := 0; i < p.slots; i++ {
		if p.readHeader(i).freed() {
			return i
		}
	}
	return p.slots
}

// lookup returns the live header for h. A stale or out-of-range handle
// raises ArrayUsedWhileInvalid.
func (p *Pool) lookup(h Handle) (header, bool) {
	if h == Invalid || int(h) >= p.slots {
		p.faults.Raise(fault.ArrayUsedWhileInvalid, "handle", int(h))
		return header{}, false
	}
	hd := p.readHeader(int(h))
	if hd.freed() {
		p.faults.Raise(fault.ArrayUsedWhileInvalid, "handle", int(h))
		return header{}, false
	}
	return hd, true
}

// Live reports whether h refers to an allocated array. Unlike the accessors
// it never raises a fault.
func (p *Pool) Live(h Handle) bool {
	return h != Invalid && int(h) < p.slots && !p.readHeader(int(h)).freed()
}

// Deallocate frees the array and compacts the data region. Freed header
// slots at the end of the table are dropped, so freeing every array returns
// the pool to its initial state.
//
// Deallocating Invalid does nothing. Deallocating a freed handle raises
// ArrayDeallocatedTwice.
func (p *Pool) Deallocate(h Handle) {
	if h == Invalid {
		return
	}
	if int(h) >= p.slots {
		p.faults.Raise(fault.ArrayDeallocatedTwice, "handle", int(h))
		return
	}
	hd := p.readHeader(int(h))
	if hd.freed() {
		p.faults.Raise(fault.ArrayDeallocatedTwice, "handle", int(h))
		return
	}

	// Mark first so the compaction pass leaves this header alone.
	p.writeHeader(int(h), header{start: freedStart})
	p.defragment(hd.start, hd.size())

	for p.slots > 0 && p.readHeader(p.slots-1).freed() {
		p.slots--
	}
}

// DeallocateAll frees every array at once.
func (p *Pool) DeallocateAll() {
	p.slots = 0
	p.front = len(p.buf)
	clear(p.buf)
}

// Resize changes the element count of h, preserving the surviving elements.
//
// Growing fails with InsufficientMemory and leaves the pool untouched when
// the free space is too small. A stale handle returns AssertionFailed.
func (p *Pool) Resize(h Handle, count uint8) error {
	hd, ok := p.lookup(h)
	if !ok {
		return status.New(status.AssertionFailed, "resize of invalid arena handle %d", h)
	}

	switch {
	case count == hd.count:
		return nil

	case count < hd.count:
		removed := int(hd.count-count) * int(hd.elemSize)
		hd.count = count
		p.writeHeader(int(h), hd)
		p.defragment(hd.start+hd.size(), removed)
		return nil

	default:
		extra := int(count-hd.count) * int(hd.elemSize)
		if extra > p.FreeSpace() {
			p.logger.Debug("arena resize failed",
				"handle", int(h),
				"count", hd.count,
				"new_count", count,
				"needed", extra,
				"free", p.FreeSpace(),
			)
			return status.New(status.InsufficientMemory,
				"resize to %d elements needs %d bytes, %d free", count, extra, p.FreeSpace())
		}
		p.insertSpace(hd.start+hd.size(), extra, int(h))
		hd = p.readHeader(int(h))
		hd.count = count
		p.writeHeader(int(h), hd)
		return nil
	}
}

// defragment removes the gap [gapStart, gapStart+size) by moving every data
// byte below it up by size.
//
// An empty array whose start equals gapStart was placed after the bytes that
// form the gap, so it moves with the data below. Leaving it behind would put
// it inside a neighbour and a later Resize would write over that neighbour.
func (p *Pool) defragment(gapStart, size int) {
	if size == 0 {
		return
	}
	copy(p.buf[p.front+size:gapStart+size], p.buf[p.front:gapStart])
	clear(p.buf[p.front : p.front+size])

	for i := 0; i < p.slots; i++ {
		hd := p.readHeader(i)
		if hd.freed() {
			continue
		}
		if hd.start < gapStart || (hd.start == gapStart && hd.size() == 0) {
			hd.start += size
			p.writeHeader(i, hd)
		}
	}
	p.front += size
}

// insertSpace opens n zeroed bytes ending at place by moving every data byte
// below place down by n. owner is the array growing into the new bytes; it
// moves even when it is empty and starts exactly at place.
func (p *Pool) insertSpace(place, n, owner int) {
	if n == 0 {
		return
	}
	copy(p.buf[p.front-n:place-n], p.buf[p.front:place])
	clear(p.buf[place-n : place])

	for i := 0; i < p.slots; i++ {
		hd := p.readHeader(i)
		if hd.freed() {
			continue
		}
		if hd.start < place || i == owner {
			hd.start -= n
			p.writeHeader(i, hd)
		}
	}
	p.front -= n
}

// Element returns the bytes of element i of h. The slice is only valid until
// the next mutating call on the pool.
//
// Returns nil and raises a fault for a stale handle or an index past the
// end.
func (p *Pool) Element(h Handle, i uint8) []byte {
	hd, ok := p.lookup(h)
	if !ok {
		return nil
	}
	if i >= hd.count {
		p.faults.Raise(fault.ArrayElementOutOfBounds, "handle", int(h), "index", int(i), "count", int(hd.count))
		return nil
	}
	off := hd.start + int(hd.infoSize) + int(hd.elemSize)*int(i)
	end := off + int(hd.elemSize)
	return p.buf[off:end:end]
}

// InfoBlock returns the info block of h. The slice is only valid until the
// next mutating call on the pool.
func (p *Pool) InfoBlock(h Handle) []byte {
	hd, ok := p.lookup(h)
	if !ok {
		return nil
	}
	end := hd.start + int(hd.infoSize)
	return p.buf[hd.start:end:end]
}

// Extent returns the byte range [start, end) of h, info block included.
func (p *Pool) Extent(h Handle) (start, end int, ok bool) {
	hd, ok := p.lookup(h)
	if !ok {
		return 0, 0, false
	}
	return hd.start, hd.start + hd.size(), true
}

// Count returns the element count of h, or 0 for a stale handle.
func (p *Pool) Count(h Handle) uint8 {
	hd, ok := p.lookup(h)
	if !ok {
		return 0
	}
	return hd.count
}

// ArrayInfo describes one live array.
type ArrayInfo struct {
	Handle      Handle `json:"handle"`
	Start       int    `json:"start"`
	InfoSize    uint8  `json:"info_size"`
	ElementSize uint8  `json:"element_size"`
	Count       uint8  `json:"count"`
}

// End returns the offset one past the array's last byte.
func (a ArrayInfo) End() int {
	return a.Start + int(a.InfoSize) + int(a.ElementSize)*int(a.Count)
}

// Arrays lists the live arrays in handle order.
func (p *Pool) Arrays() []ArrayInfo {
	var out []ArrayInfo
	for i := 0; i < p.slots; i++ {
		hd := p.readHeader(i)
		if hd.freed() {
			continue
		}
		out = append(out, ArrayInfo{
			Handle:      Handle(i),
			Start:       hd.start,
			InfoSize:    hd.infoSize,
			ElementSize: hd.elemSize,
			Count:       hd.count,
		})
	}
	return out
}

// Stats summarises pool usage.
type Stats struct {
	Capacity    int `json:"capacity"`
	FreeSpace   int `json:"free_space"`
	HeaderSlots int `json:"header_slots"`
	HeaderBytes int `json:"header_bytes"`
	DataBytes   int `json:"data_bytes"`
	LiveArrays  int `json:"live_arrays"`
}

// Stats returns a usage summary.
func (p *Pool) Stats() Stats {
	return Stats{
		Capacity:    len(p.buf),
		FreeSpace:   p.FreeSpace(),
		HeaderSlots: p.slots,
		HeaderBytes: p.slots * HeaderSize,
		DataBytes:   len(p.buf) - p.front,
		LiveArrays:  p.LiveArrays(),
	}
}
