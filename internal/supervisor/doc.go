// Package supervisor runs long lived local services as child processes.
//
// Every Supervisor owns at most one process. The process is started in its
// own process group so a stop reaches interpreters and workers it spawned
// itself. When the process exits, whatever is left of its group is killed.
//
// States:
//
//	stopped --Start--> starting --ready signal--> running
//	   ^                  |                          |
//	   |             timeout, exit             crash, failed probe
//	   |                  v                          v
//	   +------Stop------ error <---------------------+
//
// Readiness is the first stdout or stderr line containing the configured
// ready signal. While running, an optional health endpoint is probed on an
// interval; a failed probe degrades the service to error and a passing one
// brings it back, without restarting anything.
//
// An unexpected exit of a running process is a crash. Crashes are retried
// after a short backoff up to MaxRestarts times; the counter resets when the
// previous crash is older than RestartCooldown or on a manual Restart. Once
// the budget is exhausted the service stays in error and a single
// max restarts event is published. Failures during startup are never
// retried.
//
// Output lines are kept in a bounded LogBuffer.
package supervisor
