// Package jobmgt manages queues of jobs that run as operating system
// processes.
//
// Applications using jobmgt first create a Queue with New. A queue owns a
// directory in which every job is persisted as one JSON record file, keyed
// by the identifier of the data it operates on. The directory is the single
// source of truth: several processes may feed the same queue, and a restart
// picks up the jobs an earlier process left behind.
//
// New jobs enter the queue via Submit. Submitting an identifier that is
// already pending or running does not create a second record. Instead the
// new arguments are noted on the existing record, and once the current run
// finishes, the job is launched again with them.
//
// A Runner drains the queue. It launches up to MaxSim child processes at a
// time, each running the "jobexec" subcommand of the configured executable,
// by default the queue's own binary (see the jobexec package). The child
// re-reads its record, invokes the processor registered for the record's
// execution module, and finalizes the record with exit code and timings.
// Parent and child coordinate exclusively through the record file, which is
// only ever accessed under a file lock (see the lockfile package).
//
// At startup, a queue scans its directory and resubmits leftover jobs,
// skipping records whose process turns out to be still alive. A cron-style
// cleaner, started with StartCleaner, removes finished records after an age
// threshold.
//
// State transitions are mirrored into a status.Store for monitoring. The
// in-memory store is the default; persistent implementations backed by
// SQLite, MySQL and MongoDB live in the subpackages of status. Notice that
// the status store observes, it never drives: jobs run the same with or
// without one.
package jobmgt
