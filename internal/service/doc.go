package service

// Package service supervises external analysis processes.
//
// Overview
// The Supervisor owns a single slot. Start validates a request, writes the
// driver files into the working directory, recreates its output directory
// and spawns the analysis through a Launcher. A new Start while the slot is
// taken either preempts the active Run or fails with model.ErrBusy.
//
// Every Run has one loop goroutine. Four sources feed it:
//   - output chunks, classified by the Classifier into progress and failures
//   - the Watcher, reporting the first appearance of the result artifact
//   - process exit, judged by exit code, artifact and success markers
//   - stop requests and observer disconnects
//
// The first terminal candidate wins. Its event is the last one sent on the
// run's Channel, which rejects anything afterwards.
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - runs the command in the working directory
//   - puts the child into its own process group
//   - streams stdout and stderr as chunks, nothing is inherited
//   - terminates the whole tree, escalating to a kill after a grace period
//
// Data flow:
//
//   Supervisor            Run{id}                 Runner{cmd}
//       |                    |                       |
//   Start -> validate ------>|                       |
//       | Spawn ------------------------------------>| os/exec.Start
//       |                    |<------ chunks --------| stdout/stderr
//       |                    |<------ found ---------| Watcher
//       |                    |<------ Done ----------| (process exits)
//       |<----- release -----| terminal event        |
//
// Invariants:
//   - At most one active Run.
//   - Each Run produces exactly one terminal event.
//   - A process is terminated at most once by its Run.
//   - An artifact sighting never kills the process; the Reaper takes care
//     of leftovers.
//
// internal/service/supervisor_test.go is the best source about how to use
// the Supervisor struct.
