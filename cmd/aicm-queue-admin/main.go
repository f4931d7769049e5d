// Command aicm-queue-admin is the operator-facing queue maintenance tool
// (component J): it opens a persistent queue database alongside a
// concurrently running Tracker worker and reports on, requeues, or purges
// FAILED rows.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/aicostmanager/aicm-go/internal/delivery/persistent"
	"github.com/spf13/cobra"
)

func main() {
	os.Exit(run())
}

// run executes the CLI and returns the process exit code: 0 success, 1
// usage error, 2 I/O error, 3 lock contention.
func run() int {
	root, execErr := newRootCmd()
	if execErr != nil {
		fmt.Fprintln(os.Stderr, execErr)
		return usageExitCode
	}
	if err := root.Execute(); err != nil {
		return exitCodeFor(err)
	}
	return 0
}

const (
	usageExitCode = 1
	ioExitCode    = 2
	lockExitCode  = 3
)

// cliError carries the exit code a failure should produce, so Execute's
// generic error return can still distinguish usage from I/O from lock
// contention.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return usageExitCode
}

func newRootCmd() (*cobra.Command, error) {
	var dbPath string

	root := &cobra.Command{
		Use:           "aicm-queue-admin",
		Short:         "Inspect and repair the aicm persistent delivery queue",
		Long:          "A standalone tool for operators to inspect queue stats, list failed items, and requeue or purge them, without disturbing a concurrently running Tracker worker.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db-path", defaultDBPath(), "path to the persistent queue database (DB_PATH)")

	open := func() (*persistent.Admin, error) {
		admin, err := persistent.OpenAdmin(dbPath)
		if err != nil {
			code := ioExitCode
			if strings.Contains(err.Error(), "locked") || strings.Contains(err.Error(), "busy") {
				code = lockExitCode
			}
			return nil, &cliError{code: code, err: fmt.Errorf("open queue at %s: %w", dbPath, err)}
		}
		return admin, nil
	}

	root.AddCommand(
		statsCommand(open),
		listFailedCommand(open),
		requeueFailedCommand(open),
		purgeFailedCommand(open),
	)

	return root, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "queue.db"
	}
	return home + "/.cache/aicm/queue.db"
}
