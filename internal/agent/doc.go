// Package agent defines the agent record: an immutable identity, a
// configuration that may only change while the agent is idle, and a run state
// that is written by exactly one execution unit at a time and read by any
// number of observers through copy-on-read snapshots.
//
// State machine:
//
//	idle ──Start──▶ running ──Finish──▶ completed | error | cancelled
//	  ▲                                        │
//	  └──────────────── Reset ─────────────────┘
//
// Start is also accepted from a terminal state so an agent can be re-run
// without an explicit reset.
package agent
