// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobexec

import (
	"errors"
	"os"

	"github.com/spf13/cobra"
)

// NewCommand returns the "jobexec" subcommand that queues launch in a child
// process to run a single job. Mount it on the root command of the same
// executable that owns the queue, so that parent and child share one binary
// and one processor registry. A nil registry means DefaultRegistry.
func NewCommand(reg *Registry) *cobra.Command {
	var o Options
	cmd := &cobra.Command{
		Use:           "jobexec",
		Short:         "process a queued job task",
		Long:          "Process a single queued job task. The job record is read from the job directory,\nupdated while the job runs, and finalized on exit.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.Args = args
			o.Registry = reg
			return Execute(cmd.Context(), &o)
		},
	}
	flags := cmd.Flags()
	// Trailing arguments belong to the job, not to this command.
	flags.SetInterspersed(false)
	flags.StringVarP(&o.DataID, "data-id", "I", "", "identifier for the dataset being operated on")
	flags.StringVarP(&o.QueueName, "queue-name", "Q", "jobexec", "name of the queue that launched this job process")
	flags.BoolVarP(&o.LogOut, "log-out", "L", false, "send log messages to standard out so that they can be captured by the job manager")
	flags.StringVarP(&o.Dir, "job-dir", "d", os.Getenv("JOBMGT_JOB_DIR"), "directory where the job state files are stored")
	flags.StringVarP(&o.LogFile, "log-file", "l", "", "send log messages to the specified file; can be used with -L")
	return cmd
}

// ExitCode maps an error from the jobexec command to a process exit code.
// Flag parsing failures count as usage errors.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ExitUsage
}
