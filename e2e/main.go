package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/olivere/jobmgt"
	"github.com/olivere/jobmgt/jobexec"
	"github.com/olivere/jobmgt/status"
	"github.com/olivere/jobmgt/status/mongodb"
	"github.com/olivere/jobmgt/status/mysql"
	"github.com/olivere/jobmgt/status/sqlite"
)

const execmodule = "demo"

func main() {
	if err := jobexec.Register(execmodule, demoProcessor); err != nil {
		log.Fatal(err)
	}

	root := &cobra.Command{
		Use:           "e2e",
		Short:         "exercise a job queue end to end with real child processes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// The same binary serves as launcher and launched job process.
	root.AddCommand(jobexec.NewCommand(nil))
	root.AddCommand(newRunCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(jobexec.ExitCode(err))
	}
}

// demoProcessor stands in for a real workload. The default sleep comes from
// the job configuration, the per-job behavior from the job arguments.
func demoProcessor(ctx context.Context, dataid string, config map[string]interface{}, args []string, logger *slog.Logger) error {
	d := 500 * time.Millisecond
	if v, ok := config["sleep"].(string); ok {
		if parsed, err := time.ParseDuration(v); err == nil {
			d = parsed
		}
	}
	fail := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-sleep":
			if i+1 < len(args) {
				if parsed, err := time.ParseDuration(args[i+1]); err == nil {
					d = parsed
				}
				i++
			}
		case "-fail":
			fail = true
		}
	}
	logger.Info("processing dataset", "dataid", dataid, "duration", d.String())
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return ctx.Err()
	}
	if fail {
		return errors.New("injected failure")
	}
	logger.Info("dataset processed", "dataid", dataid)
	return nil
}

func newRunCommand() *cobra.Command {
	const exampleDBURL = "root@tcp(127.0.0.1:3306)/jobmgt_e2e?loc=UTC&parseTime=true"
	var (
		dir         string
		qname       string
		jobs        int
		maxsim      int
		priorities  int
		relaunches  int
		failureRate float64
		runTime     time.Duration
		capture     bool
		logdir      string
		cleanSpec   string
		cleanAge    time.Duration
		dbtype      string
		dburl       string
		verbose     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "submit a batch of demo jobs and drain them",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.SetFlags(log.LstdFlags | log.Lshortfile)

			// Optional settings like JOBMGT_STATUS_URL come from a .env file.
			_ = godotenv.Load()
			if dbtype == "" {
				dbtype = os.Getenv("JOBMGT_STATUS_TYPE")
			}
			if dburl == "" {
				dburl = os.Getenv("JOBMGT_STATUS_URL")
			}

			if dir == "" {
				d, err := os.MkdirTemp("", "jobmgt-e2e-")
				if err != nil {
					return err
				}
				dir = d
				log.Printf("queue directory %s", dir)
			}
			if dbtype == "sqlite" && dburl == "" {
				dburl = filepath.Join(dir, "status.db")
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			st, err := newStore(dbtype, dburl)
			if err != nil {
				return err
			}

			q, err := jobmgt.New(qname, dir, execmodule,
				jobmgt.SetLogger(logger),
				jobmgt.SetStatusStore(st),
				jobmgt.SetJobConfig(map[string]interface{}{"sleep": "500ms"}),
				jobmgt.SetRunnerConfig(jobmgt.RunnerConfig{
					MaxSim:         maxsim,
					CaptureLogging: capture,
					LogDir:         logdir,
				}),
			)
			if err != nil {
				return err
			}
			defer st.Close()

			if cleanSpec != "" {
				if err := q.StartCleaner(cleanSpec, cleanAge); err != nil {
					return err
				}
				defer q.StopCleaner()
			}

			// Submit the batch.
			for i := 0; i < jobs; i++ {
				dataid := fmt.Sprintf("mds2-%04d", i)
				jobArgs := []string{"-sleep", randomDuration(runTime).String()}
				if rand.Float64() < failureRate {
					jobArgs = append(jobArgs, "-fail")
				}
				opts := []jobmgt.SubmitOption{jobmgt.WithArgs(jobArgs...)}
				if priorities > 1 {
					opts = append(opts, jobmgt.WithPriority(rand.Intn(priorities)))
				}
				if _, err := q.Submit(dataid, opts...); err != nil {
					return err
				}
			}

			// Resubmit a few identifiers with fresh arguments. While the
			// first round is still pending or running, this collapses into
			// a relaunch of the original job instead of a duplicate.
			for i := 0; i < relaunches && jobs > 0; i++ {
				dataid := fmt.Sprintf("mds2-%04d", rand.Intn(jobs))
				if _, err := q.Submit(dataid, jobmgt.WithArgs("-sleep", "50ms")); err != nil {
					return err
				}
			}

			// Wait for the drain, or for e.g. Ctrl+C.
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
			t := time.NewTicker(500 * time.Millisecond)
			defer t.Stop()
		wait:
			for {
				select {
				case s := <-sig:
					log.Printf("recv signal %v, stopping", s)
					q.Runner().Stop()
					break wait
				case <-t.C:
					if q.Pending() == 0 && !q.Runner().IsRunning() {
						break wait
					}
				}
			}

			stats, err := q.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("processed=%d pending=%d running=%d exited=%d killed=%d\n",
				q.Processed(), stats.Pending, stats.Running, stats.Exited, stats.Killed)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&dir, "dir", "d", "", "queue directory for the job records (default a fresh temp dir)")
	f.StringVarP(&qname, "queue", "Q", "e2e", "queue name")
	f.IntVarP(&jobs, "jobs", "n", 20, "number of jobs to submit")
	f.IntVarP(&maxsim, "maxsim", "c", 4, "maximum number of simultaneous job processes")
	f.IntVar(&priorities, "priorities", 3, "submit with priorities in [0,p)")
	f.IntVar(&relaunches, "relaunches", 2, "resubmissions of an already queued dataid")
	f.Float64Var(&failureRate, "failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
	f.DurationVar(&runTime, "run-time", 2*time.Second, "maximum run time of a single job")
	f.BoolVar(&capture, "capture", true, "capture job process output into the queue log")
	f.StringVar(&logdir, "logdir", "", "per-job log file directory (empty for none)")
	f.StringVar(&cleanSpec, "clean", "", "cron spec for removing finished records, e.g. */5 * * * *")
	f.DurationVar(&cleanAge, "clean-age", 5*time.Minute, "age after which finished records are removed")
	f.StringVar(&dbtype, "dbtype", "", "status store type (memory, sqlite, mysql or mongodb), default $JOBMGT_STATUS_TYPE")
	f.StringVar(&dburl, "dburl", "", "status store location, e.g. "+exampleDBURL+", default $JOBMGT_STATUS_URL")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func newStore(dbtype, dburl string) (status.Store, error) {
	switch dbtype {
	case "", "memory":
		return status.NewMemoryStore(), nil
	case "sqlite":
		return sqlite.NewStore(dburl)
	case "mysql":
		if dburl == "" {
			return nil, errors.New("specify -dburl or JOBMGT_STATUS_URL for mysql")
		}
		return mysql.NewStore(dburl)
	case "mongodb":
		if dburl == "" {
			return nil, errors.New("specify -dburl or JOBMGT_STATUS_URL for mongodb")
		}
		return mongodb.NewStore(dburl)
	}
	return nil, fmt.Errorf("unsupported dbtype %q; use memory, sqlite, mysql or mongodb", dbtype)
}

func randomDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(max.Nanoseconds())) * time.Nanosecond
}
