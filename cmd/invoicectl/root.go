package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/einvoice/internal/app"
	"github.com/vladislavdragonenkov/einvoice/internal/domain"
	"github.com/vladislavdragonenkov/einvoice/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/einvoice/internal/service/billing"
	"github.com/vladislavdragonenkov/einvoice/internal/service/retry"
)

// operator — операции сопровождения, доступные из CLI.
type operator interface {
	ProcessQueue(ctx context.Context) retry.RunReport
	ListJobs(ctx context.Context, status domain.JobStatus, limit int) ([]domain.InvoiceJob, error)
	QueueStats(ctx context.Context) (domain.JobStats, error)
	RetryJob(ctx context.Context, jobID string) (domain.InvoiceJob, error)
	GetOrder(ctx context.Context, orderID string) (billing.OrderView, error)
	RetryOrder(ctx context.Context, orderID string) (int, error)
	CancelOrder(ctx context.Context, orderID, reason string) (billing.CancelResult, error)
	IssueInvoiceNow(ctx context.Context, orderID string) (domain.Order, error)
	IssueCreditNote(ctx context.Context, orderID string) (domain.CreditNote, error)
	ResetErrors(ctx context.Context) (billing.ResetReport, error)
	SyncCustomers(ctx context.Context, pageSize int) (billing.SyncReport, error)
}

type runtimeOperator struct {
	*billing.Service
	engine *retry.Engine
}

func (o runtimeOperator) ProcessQueue(ctx context.Context) retry.RunReport {
	return o.engine.ProcessOnce(ctx)
}

var _ operator = runtimeOperator{}

type replayDepsFunc func(brokers []string, execute bool) (kafka.OffsetClient, kafka.PartitionConsumerSource, kafka.ReplayProducer, error)

// cliDeps — внешние зависимости команд; в тестах подменяются заглушками.
type cliDeps struct {
	openOperator func(ctx context.Context, cfg app.Config) (operator, func() error, error)
	replayDeps   replayDepsFunc
	lookupEnv    app.EnvLookup
}

func defaultDeps() cliDeps {
	return cliDeps{
		openOperator: openRuntimeOperator,
		replayDeps:   kafka.NewReplayDependencies,
		lookupEnv:    os.LookupEnv,
	}
}

func openRuntimeOperator(ctx context.Context, cfg app.Config) (operator, func() error, error) {
	logger := log.WithField("component", "invoicectl")
	if cfg.StorageDriver == app.StorageDriverMemory {
		logger.Warn("memory storage is not shared with the running service; set EINV_STORAGE_DRIVER=postgres")
	}
	// CLI не публикует метрики, регистрируем их в собственном registry.
	rt, err := app.NewRuntime(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return nil, nil, err
	}
	return runtimeOperator{Service: rt.Billing, engine: rt.Engine}, rt.Close, nil
}

type rootOptions struct {
	envFile  string
	logLevel string
}

func newRootCmd(deps cliDeps) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "invoicectl",
		Short: "Operator CLI for the e-invoicing bridge",
		Long: `invoicectl runs maintenance operations against the invoice store:
draining the retry queue, inspecting orders and jobs, manual issuance,
credit notes, error resets, customer directory sync and DLQ replay.

Configuration is read from EINV_* environment variables (see invoice-service).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.envFile != "" {
				if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load env file %s: %w", opts.envFile, err)
				}
			}
			level, err := log.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			log.SetLevel(level)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file with EINV_* settings")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warning", "log level: debug|info|warning|error")

	root.AddCommand(
		newJobsCmd(deps),
		newOrdersCmd(deps),
		newInvoicesCmd(deps),
		newCreditNotesCmd(deps),
		newErrorsCmd(deps),
		newCustomersCmd(deps),
		newDLQCmd(deps),
		newVersionCmd(),
	)
	return root
}

// withOperator загружает конфигурацию и выполняет fn над открытым хранилищем.
func withOperator(cmd *cobra.Command, deps cliDeps, fn func(ctx context.Context, op operator) (any, error)) error {
	cfg, warnings := app.ReadConfigFromEnv(deps.lookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	op, closeFn, err := deps.openOperator(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeFn != nil {
			if err := closeFn(); err != nil {
				log.WithError(err).Warn("failed to close storage")
			}
		}
	}()

	result, err := fn(ctx, op)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), result)
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
