// Package orchestrator drives a single task at a time through the executor state machine.
//
// # States
//
//	Idle ──Start──▶ Preparing ──ok──▶ Executing ◀──Resume── Paused
//	                    │                 │  └────Pause────▶
//	                 failed          complete
//	                    ▼                 ▼
//	                  Error           Completed ──▶ Idle
//
// Stop and EmergencyStop return to Idle from every state. A terminal task failure,
// exceeding the retry ceiling, or a panic in a tick also end in Idle.
//
// # Ticks
//
// The orchestrator owns no goroutines. The caller invokes Tick periodically; each Tick
// polls the signal monitor, then either completes the task or executes exactly one unit:
//
//	for range ticker.C {
//		orch.Tick()
//	}
//
// A unit that reports a failure increments a consecutive-failure counter. When the
// counter exceeds the ceiling (3 by default) the task is stopped. A successful unit
// resets it.
//
// # Cancellation
//
// Each start creates a fresh context. Stop cancels it before waiting for an in-flight
// tick, so bounded waits inside nodes and the resource coordinator return promptly.
// EmergencyStop additionally raises an abort flag that stays set until the next start.
//
// # Observation
//
// Queries (State, Progress, StepDescription, Snapshot) never block behind a running tick.
// Observers registered with WithObserver receive state changes, step changes and the
// final history.Run of every task.
package orchestrator
