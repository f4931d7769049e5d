package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aicostmanager/aicm-go/internal/delivery/persistent"
	"github.com/spf13/cobra"
)

// openFn opens an Admin handle against the resolved --db-path flag.
type openFn func() (*persistent.Admin, error)

func statsCommand(open openFn) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show row counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := open()
			if err != nil {
				return err
			}
			defer admin.Close()

			counts, err := admin.Stats(context.Background())
			if err != nil {
				return &cliError{code: ioExitCode, err: err}
			}

			order := []string{persistent.StatusQueued, persistent.StatusInflight, persistent.StatusFailed, persistent.StatusDone}
			for _, status := range order {
				fmt.Printf("%-10s %d\n", status, counts[status])
			}
			return nil
		},
	}
}

func listFailedCommand(open openFn) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list-failed",
		Short: "List FAILED rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := open()
			if err != nil {
				return err
			}
			defer admin.Close()

			rows, err := admin.ListFailed(context.Background(), limit)
			if err != nil {
				return &cliError{code: ioExitCode, err: err}
			}
			if len(rows) == 0 {
				fmt.Println("no FAILED rows")
				return nil
			}
			fmt.Printf("%-6s %-20s %-8s %s\n", "ID", "CREATED_AT", "ATTEMPTS", "LAST_ERROR")
			for _, r := range rows {
				fmt.Printf("%-6d %-20s %-8d %s\n", r.ID, r.CreatedAt.Format("2006-01-02T15:04:05Z"), r.AttemptCount, r.LastError)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum rows to list")
	return cmd
}

func requeueFailedCommand(open openFn) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue-failed [ids...]",
		Short: "Reset FAILED rows back to QUEUED with attempt_count=0",
		Long:  "Reset the named FAILED rows (or every FAILED row, if no ids are given) back to QUEUED.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return &cliError{code: usageExitCode, err: err}
			}

			admin, openErr := open()
			if openErr != nil {
				return openErr
			}
			defer admin.Close()

			n, err := admin.RequeueFailed(context.Background(), ids)
			if err != nil {
				return &cliError{code: ioExitCode, err: err}
			}
			fmt.Printf("requeued %d row(s)\n", n)
			return nil
		},
	}
	return cmd
}

func purgeFailedCommand(open openFn) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge-failed [ids...]",
		Short: "Hard-delete FAILED rows",
		Long:  "Hard-delete the named FAILED rows (or every FAILED row, if no ids are given). Requires --yes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return &cliError{code: usageExitCode, err: fmt.Errorf("purge-failed is destructive; pass --yes to confirm")}
			}
			ids, err := parseIDs(args)
			if err != nil {
				return &cliError{code: usageExitCode, err: err}
			}

			admin, openErr := open()
			if openErr != nil {
				return openErr
			}
			defer admin.Close()

			n, err := admin.PurgeFailed(context.Background(), ids)
			if err != nil {
				return &cliError{code: ioExitCode, err: err}
			}
			fmt.Printf("purged %d row(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive purge")
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
