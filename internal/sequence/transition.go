package sequence

import (
	"encoding/binary"

	"github.com/roach88/wateringctl/internal/clock"
	"github.com/roach88/wateringctl/internal/valve"
)

const (
	// RecordSize is the encoded size of a Transition.
	RecordSize = 3

	// InfoSize is the encoded size of the info block that precedes the
	// records of every sequence allocation.
	InfoSize = 11

	// MaxOffset is the latest offset a transition can carry.
	MaxOffset = 0xFFFF

	// MaxRecords is the most transitions one sequence can hold.
	MaxRecords = 0xFF
)

const (
	onBit    = 0x80
	valveBit = 0x7F

	flagRunning = 0x01
	flagPaused  = 0x02
)

// Transition is "valve V changes to state On at Offset seconds after the
// sequence origin". Ordering between transitions uses Offset only.
type Transition struct {
	Valve  valve.ID `json:"valve"`
	On     bool     `json:"on"`
	Offset uint16   `json:"offset"`
}

func decodeTransition(b []byte) Transition {
	if len(b) < RecordSize {
		return Transition{}
	}
	return Transition{
		Valve:  valve.ID(b[0] & valveBit),
		On:     b[0]&onBit != 0,
		Offset: binary.LittleEndian.Uint16(b[1:3]),
	}
}

func (t Transition) encode(b []byte) {
	if len(b) < RecordSize {
		return
	}
	v := byte(t.Valve) & valveBit
	if t.On {
		v |= onBit
	}
	b[0] = v
	binary.LittleEndian.PutUint16(b[1:3], t.Offset)
}

// info is the decoded info block.
//
//	flags u8 | origin u32 LE | pauseTime u32 LE | count u8 | capacity u8
type info struct {
	running   bool
	paused    bool
	origin    clock.Timestamp
	pauseTime clock.Timestamp
	count     uint8
	capacity  uint8
}

func decodeInfo(b []byte) info {
	if len(b) < InfoSize {
		return info{}
	}
	return info{
		running:   b[0]&flagRunning != 0,
		paused:    b[0]&flagPaused != 0,
		origin:    clock.Timestamp(binary.LittleEndian.Uint32(b[1:5])),
		pauseTime: clock.Timestamp(binary.LittleEndian.Uint32(b[5:9])),
		count:     b[9],
		capacity:  b[10],
	}
}

func (in info) encode(b []byte) {
	if len(b) < InfoSize {
		return
	}
	var flags byte
	if in.running {
		flags |= flagRunning
	}
	if in.paused {
		flags |= flagPaused
	}
	b[0] = flags
	binary.LittleEndian.PutUint32(b[1:5], uint32(in.origin))
	binary.LittleEndian.PutUint32(b[5:9], uint32(in.pauseTime))
	b[9] = in.count
	b[10] = in.capacity
}
