// Package project keeps the set of agents a daemon can run, indexed by id and
// by unique name. Definitions are validated and defaulted on the way in
// (max_iterations 100, timeout 300s, type "general"), and destructive
// operations consult the execution environment so a live agent is never
// removed or reset underneath its unit.
//
// Sync reconciles a running project with a fresh definitions list and Watcher
// drives it from file system events on the definitions file.
package project
