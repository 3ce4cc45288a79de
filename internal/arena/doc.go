// Package arena implements the fixed-capacity, self-compacting byte pool that
// backs every resizable collection in the controller.
//
// LAYOUT:
//
// The pool is a single byte slice split into two regions that grow towards
// each other:
//
//	offset 0                                                       len(buf)
//	| header 0 | header 1 | ... |   free   | array n | ... | array 0 |
//	 ---- header table grows up ---->  <---- data region grows down ----
//
// Each header is 5 bytes stored inside the pool itself:
//
//	dataStart u16 LE | infoBlockSize u8 | elementSize u8 | elementCount u8
//
// dataStart == 0xFFFF marks a freed slot that the next Allocate may reuse.
// An array's bytes are its info block followed by its elements.
//
// HANDLES:
//
// A Handle is the index of a header slot. It is the only way to reach an
// array's bytes. Deallocate and Resize move data, so a slice returned by
// Element or InfoBlock is valid only until the next Allocate, Resize or
// Deallocate on the same pool. Callers copy values out; they never keep the
// slice.
//
// COMPACTION:
//
// Deallocate and shrinking Resize close the gap they leave by moving every
// byte below it up, and fix the affected headers in the same pass. Growing
// Resize moves the bytes below the insertion point down. Both are O(live
// bytes); allocation churn only happens on schedule edits.
//
// MISUSE:
//
// Using a freed or out-of-range handle, or an element index past the end,
// is a programmer error. The call records a code in the fault register and
// returns nil, zero or nothing. Deallocating Invalid is a silent no-op.
//
// INVARIANTS (after every call):
//   - header bytes + data bytes + FreeSpace() == Capacity()
//   - every live array lies inside [dataStart of pool, len(buf))
//   - live arrays never overlap and leave no gaps between them
//   - trailing freed header slots are trimmed
//
// The pool is not safe for concurrent use.
package arena
