// Package store provides SQLite-backed persistence for wateringctl.
//
// The store keeps two things:
//   - The installation definition (valves, sequences, schedules, modules,
//     routes), written whole by SaveConfig and read back by LoadConfig
//   - Run history: one session per controller start and the valve flips
//     recorded during it
//
// # Critical Patterns
//
// Logical ordering
//   - valve_events are ordered by seq, a per-session counter assigned on
//     insert, never by timestamp
//   - Wall-clock time can jump backwards; the event order cannot
//
// Whole-definition writes
//   - SaveConfig deletes and rewrites every definition table in one
//     transaction, so a reader never sees half a configuration
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
