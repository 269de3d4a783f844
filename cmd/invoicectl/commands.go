package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/version"
)

func newJobsCmd(deps cliDeps) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and drive the invoice job queue",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Process one batch of due jobs and pending credit notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.ProcessQueue(ctx), nil
			})
		},
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:     "list",
		Short:   "List jobs, optionally filtered by status",
		Example: `  invoicectl jobs list --status FAILED --limit 20`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.ListJobs(ctx, domain.JobStatus(strings.ToUpper(status)), limit)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "PENDING|PROCESSING|COMPLETED|FAILED")
	list.Flags().IntVar(&limit, "limit", 50, "max number of jobs")

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.QueueStats(ctx)
			})
		},
	}

	retryJob := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Reset attempts of a job and schedule it now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.RetryJob(ctx, args[0])
			})
		},
	}

	jobs.AddCommand(run, list, stats, retryJob)
	return jobs
}

func newOrdersCmd(deps cliDeps) *cobra.Command {
	orders := &cobra.Command{
		Use:   "orders",
		Short: "Inspect and repair orders",
	}

	get := &cobra.Command{
		Use:   "get <order-id>",
		Short: "Show order with jobs, credit note and timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.GetOrder(ctx, args[0])
			})
		},
	}

	retryOrder := &cobra.Command{
		Use:   "retry <order-id>",
		Short: "Reset unfinished jobs of an order, enqueue one if none exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				reset, err := op.RetryOrder(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"order_id": args[0], "jobs_reset": reset}, nil
			})
		},
	}

	var reason string
	cancel := &cobra.Command{
		Use:   "cancel <order-id>",
		Short: "Cancel an order; issued invoices get a credit note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.CancelOrder(ctx, args[0], reason)
			})
		},
	}
	cancel.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation reason")

	orders.AddCommand(get, retryOrder, cancel)
	return orders
}

func newInvoicesCmd(deps cliDeps) *cobra.Command {
	invoices := &cobra.Command{
		Use:   "invoices",
		Short: "Manual invoice operations",
	}
	issue := &cobra.Command{
		Use:   "issue <order-id>",
		Short: "Issue the invoice for an order right now, bypassing the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.IssueInvoiceNow(ctx, args[0])
			})
		},
	}
	invoices.AddCommand(issue)
	return invoices
}

func newCreditNotesCmd(deps cliDeps) *cobra.Command {
	notes := &cobra.Command{
		Use:   "credit-notes",
		Short: "Manual credit note operations",
	}
	issue := &cobra.Command{
		Use:   "issue <order-id>",
		Short: "Submit the pending credit note of a cancelled order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.IssueCreditNote(ctx, args[0])
			})
		},
	}
	notes.AddCommand(issue)
	return notes
}

func newErrorsCmd(deps cliDeps) *cobra.Command {
	errorsCmd := &cobra.Command{
		Use:   "errors",
		Short: "Bulk error handling",
	}
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Move every ERROR order back to PENDING and reset failed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.ResetErrors(ctx)
			})
		},
	}
	errorsCmd.AddCommand(reset)
	return errorsCmd
}

func newCustomersCmd(deps cliDeps) *cobra.Command {
	customers := &cobra.Command{
		Use:   "customers",
		Short: "Customer directory operations",
	}
	var pageSize int
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Pull every customer from the directory and reclassify waiting orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withOperator(cmd, deps, func(ctx context.Context, op operator) (any, error) {
				return op.SyncCustomers(ctx, pageSize)
			})
		},
	}
	sync.Flags().IntVar(&pageSize, "page-size", 100, "directory page size")
	customers.AddCommand(sync)
	return customers
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd.OutOrStdout(), version.Current())
		},
	}
}
