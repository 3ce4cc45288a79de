// Package controller wires the irrigation core into a running controller.
//
// ARCHITECTURE:
//
// One Controller owns the arena, the fault register, the valve registry,
// the scheduler and the remote module registry. Each tick runs, in order:
//
//  1. scheduler tick (fire schedules, play sequences, stop finished ones)
//  2. valve apply pass (wanted states become current states)
//  3. route current states to relay outputs, report changes to the Recorder
//  4. remote module ticks over the bus
//  5. loopback delivery, when the bus is the in-process loopback
//
// CONCURRENCY:
//
// The core packages take no locks. The controller holds one mutex around
// each Tick and each Do call so that Snapshot can be called from another
// goroutine (the HTTP monitor). Operator changes go through Do so they
// never interleave with a tick.
//
// INVARIANTS:
//   - Every Recorder event corresponds to exactly one current-state flip
//   - A routed valve's relay output target equals the valve's current state
//     after every tick
//   - Shutdown closes every valve and reports the flips like a tick does
package controller
