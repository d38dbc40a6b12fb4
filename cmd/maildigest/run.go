package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/maildigest/config"
	"github.com/mohammad-safakhou/maildigest/internal/agent"
	"github.com/mohammad-safakhou/maildigest/internal/bus"
	"github.com/mohammad-safakhou/maildigest/internal/mail"
	"github.com/mohammad-safakhou/maildigest/internal/store"
	"github.com/mohammad-safakhou/maildigest/internal/telemetry"
	"github.com/mohammad-safakhou/maildigest/provider"
)

// runCMD executes one pipeline operation and exits, without the HTTP server
// or the scheduler.
func runCMD() *cobra.Command {
	var cfgPath string
	var operation string

	var run = &cobra.Command{
		Use:   "run",
		Short: "Execute one pipeline operation (pipeline, collect, detect, summarize)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			orch, cleanup, err := buildPipeline(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			var out any
			switch operation {
			case "pipeline", "":
				out, err = orch.RunFullPipeline(ctx)
			case "collect":
				out, err = orch.CollectOnly(ctx)
			case "detect":
				out, err = orch.DetectOnly(ctx)
			case "summarize":
				out, err = orch.SummarizeOnly(ctx)
			default:
				return fmt.Errorf("unknown operation: %s", operation)
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	run.Flags().StringVar(&operation, "op", "pipeline", "operation: pipeline, collect, detect or summarize")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*agent.Orchestrator, func(), error) {
	dsn, err := cfg.Storage.Postgres.DSN()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}

	tel := telemetry.New()
	broker := bus.NewBroker(cfg.General.QueueSize, tel)
	broker.Start(ctx)

	var providers []mail.Provider
	for _, acc := range cfg.Mail.Accounts {
		switch acc.Kind {
		case "memory":
			providers = append(providers, mail.NewMemoryProvider(acc.Name))
		default:
			st.Close()
			return nil, nil, fmt.Errorf("unsupported mail account kind %q for %s", acc.Kind, acc.Name)
		}
	}
	var sender mail.DigestSender
	if cfg.Mail.SMTPHost != "" {
		sender = mail.NewSMTPSender(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort, cfg.Mail.SMTPUsername, cfg.Mail.SMTPPassword)
	}
	ai, err := provider.New(cfg.AI)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	collector := agent.NewEmailCollector(broker, st, providers, cfg.Mail.MaxEmailsPerRun, tel)
	detector := agent.NewNewsletterDetector(broker, st, ai, cfg.Mail.DetectionCutoff, tel)
	summarizer := agent.NewContentSummarizer(broker, st, ai, sender, collector, cfg.Mail.DigestRecipient, tel)
	orch := agent.NewOrchestrator(broker, collector, detector, summarizer, st,
		cfg.General.PollInterval, cfg.General.PipelineTimeout, tel)
	if err := orch.Start(ctx); err != nil {
		st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = orch.Stop(ctx)
		broker.Stop()
		_ = st.Close()
	}
	return orch, cleanup, nil
}
