package main

import (
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/einvoice/internal/app"
	"github.com/vladislavdragonenkov/einvoice/internal/messaging/kafka"
)

func newDLQCmd(deps cliDeps) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Dead letter queue tools",
	}

	var (
		brokersRaw string
		cfg        = kafka.ReplayConfig{
			SourceTopic: kafka.TopicDeadLetterQueue,
			TargetTopic: kafka.TopicInvoiceEvents,
			Limit:       kafka.DefaultReplayLimit,
			IdleTimeout: kafka.DefaultReplayIdleTimeout,
		}
	)
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Republish messages from the DLQ (dry-run unless --execute)",
		Long: `Scans the DLQ topic partition by partition. Consumer failures go back
to their original commerce topic; outbox failures are rebuilt as lifecycle
envelopes and sent to --target-topic. Messages rejected as invalid are
skipped unless --include-permanent is set.`,
		Example: `  invoicectl dlq replay --brokers localhost:9092 --limit 20
  invoicectl dlq replay --execute --from-newest`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			brokers := parseBrokers(brokersRaw)
			if len(brokers) == 0 {
				envCfg, _ := app.ReadConfigFromEnv(deps.lookupEnv)
				brokers = envCfg.Brokers()
			}
			if len(brokers) == 0 {
				return errors.New("kafka brokers are required (--brokers or " + app.EnvKafkaBrokers + ")")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := log.WithFields(log.Fields{
				"component":    "dlq-replay",
				"source_topic": cfg.SourceTopic,
				"target_topic": cfg.TargetTopic,
			})
			logger.WithFields(log.Fields{"limit": cfg.Limit, "execute": cfg.Execute}).Info("starting dlq replay")

			client, consumer, producer, err := deps.replayDeps(brokers, cfg.Execute)
			if err != nil {
				return err
			}
			defer func() {
				if producer != nil {
					_ = producer.Close()
				}
				if consumer != nil {
					_ = consumer.Close()
				}
				if client != nil {
					_ = client.Close()
				}
			}()

			report, err := kafka.Replay(cmd.Context(), cfg, client, consumer, producer, logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	flags := replay.Flags()
	flags.StringVar(&brokersRaw, "brokers", "", "Kafka brokers as comma-separated list (fallback: "+app.EnvKafkaBrokers+")")
	flags.StringVar(&cfg.SourceTopic, "source-topic", cfg.SourceTopic, "DLQ source topic")
	flags.StringVar(&cfg.TargetTopic, "target-topic", cfg.TargetTopic, "target topic for outbox events")
	flags.IntVar(&cfg.Limit, "limit", cfg.Limit, "max number of messages to scan/replay")
	flags.BoolVar(&cfg.Execute, "execute", false, "execute replay; default is dry-run")
	flags.BoolVar(&cfg.FromNewest, "from-newest", false, "scan latest messages first (bounded by limit)")
	flags.BoolVar(&cfg.IncludePermanent, "include-permanent", false, "replay messages rejected as invalid too")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "idle timeout per partition")

	dlq.AddCommand(replay)
	return dlq
}

func parseBrokers(raw string) []string {
	chunks := strings.Split(raw, ",")
	brokers := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

