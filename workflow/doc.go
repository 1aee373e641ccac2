// Package workflow provides the task contract and the tree interpreter that drives it.
//
// # Overview
//
// A Task is a named multi-step workflow. The orchestrator owns at most one active Task
// and asks it, once per tick, to execute one bounded unit of work. Two task shapes share
// the same contract:
//
//   - TreeTask walks a tree of Nodes. Each Node is either an Action (performs work, with
//     a bounded retry budget) or a Decision (branches on a discriminant string).
//   - StepTask runs a flat list of Steps in order.
//
// # Node Kinds
//
// Node is a closed sum type. Only *Action and *Decision implement it and Execute
// dispatches on the concrete type:
//
//	greet := &workflow.Action{ID: "greet", Desc: "talk to the guide", Perform: talk}
//	route := &workflow.Decision{ID: "route", Desc: "check stage", Decide: stage}
//	greet.Next = route
//	route.Branches = map[string]workflow.Node{"2": finish}
//
// # Results
//
// Executing a Node yields a Result with one of four statuses:
//
//	Success    the node finished; Outcome says where control goes next
//	Failed     the node cannot make progress; the task fails
//	InProgress the node is waiting on the environment; run it again next tick
//	Retry      the node failed but has retries left; run it again next tick
//
// A successful Result carries an explicit Outcome instead of overloading a nil
// successor:
//
//	OutcomeContinue  move to Result.Next
//	OutcomeReturn    hand control back to the Decision that routed into this subtree
//	OutcomeComplete  the task is complete
//
// # Action Retries
//
// An Action with retry budget R yields Retry for its first R-1 consecutive failures and
// Failed on the R-th. A success resets its retry counter. The budget defaults to
// DefaultRetryBudget. The retry budget belongs to the node and is independent of the
// orchestrator's outer unit retry ceiling.
//
// # Cancellation
//
// Every Action checks its context before doing any work. The orchestrator cancels the
// task context on stop and emergency stop, so a cancelled Action fails immediately and
// any bounded wait inside Perform returns within one polling interval.
//
// # Cycles
//
// Decision branches may point back at earlier nodes. The interpreter performs no cycle
// detection; avoiding infinite loops is the tree author's job.
package workflow
