// Package harness runs scripted irrigation scenarios in virtual time.
//
// A scenario names a controller configuration, a local start time, operator
// steps and checks. The runner builds a controller, advances a manual clock
// one second per tick and records every step result and valve change. The
// recorded trace can be compared against a golden file.
//
// # Scenario Format
//
//	name: pause_resume
//	description: "Pausing closes the valve and shifts the end"
//	config:
//	  cue: |
//	    valves: [{name: "lawn", max_on_time_seconds: 600}]
//	    sequences: [{periods: [{valve: "lawn", start: 0, duration: 10}]}]
//	start: "2024-03-04 06:00:00"
//	duration: 30
//	steps:
//	  - at: 0
//	    action: start
//	    sequence: 0
//	  - at: 4
//	    action: pause
//	    sequence: 0
//	    expect: OK
//	checks:
//	  - at: 5
//	    sequence: 0
//	    elapsed: 4
//	    valves_on: [lawn]
//
// config takes either path (relative to the scenario file) or cue (inline
// source). With neither, the default configuration is used.
//
// # Step Actions
//
//   - start, stop, pause, resume, clear: act on sequence
//   - add_period: open valve at offset for duration seconds in sequence
//   - merge: merge sequence from into sequence
//   - resize_sequences: set the number of sequences to count
//   - delete_orphans: drop sequences no schedule refers to
//
// expect names the result code ("OK", "InsufficientMemory", ...). Without it
// the result is only traced.
//
// # Checks
//
//   - valves_on: exact set of open valves after the tick
//   - elapsed, remaining: seconds for sequence
//   - fault: name of the last fault code ("None" when clear)
//
// Steps at second t run before the tick at t; checks run after it.
package harness
