// qslauto is the QSL fulfillment pipeline CLI: it pulls logged contacts from
// the Source Connector, renders postcard PDFs, emails them, and records what
// was delivered so re-runs are idempotent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"qslauto/internal/config"
	"qslauto/internal/connector"
	"qslauto/internal/logging"
	"qslauto/internal/mailer"
	"qslauto/internal/observability"
	"qslauto/internal/pipeline"
	"qslauto/internal/render"
	"qslauto/internal/store"
	"qslauto/internal/store/pg"
	"qslauto/internal/store/sqlite"
	"qslauto/internal/syncer"
	"qslauto/internal/util"
)

var Version = "dev"

func main() {
	cfg := config.Load()
	logging.Init("qslauto", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:     "qslauto",
		Short:   "QSL postcard fulfillment pipeline",
		Version: Version,
	}
	rootCmd.AddCommand(scanCmd(ctx, cfg))
	rootCmd.AddCommand(renderCmd(ctx, cfg))
	rootCmd.AddCommand(sendCmd(ctx, cfg, "send", "Render and email pending QSL cards (respects DRY_RUN)"))
	rootCmd.AddCommand(sendCmd(ctx, cfg, "run", "Full pipeline: fetch, dedupe, render, email, sync, report"))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func scanCmd(ctx context.Context, cfg config.Config) *cobra.Command {
	var limit int
	var since string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Fetch pending QSOs and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := connector.New(cfg.ConnectorBaseURL, cfg.ConnectorToken)
			qsos, err := client.FetchQSOs(ctx, since, limit)
			if err != nil {
				return err
			}
			for _, q := range qsos {
				fmt.Printf("%d %s %s %s %s -> %s\n",
					q.ID, q.Callsign, q.When.Format("2006-01-02 15:04"), q.Band, q.Mode, q.EmailTo)
			}
			fmt.Printf("Total: %d\n", len(qsos))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum QSOs to fetch")
	cmd.Flags().StringVar(&since, "since", "", "Only QSOs at or after this ISO-8601 timestamp")
	return cmd
}

func renderCmd(ctx context.Context, cfg config.Config) *cobra.Command {
	var limit int
	var since, size string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render postcard PDFs for pending QSOs without sending",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ledger, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			defer ledger.Close()

			rep, err := p.RenderOnly(ctx, since, limit, size)
			if err != nil {
				return err
			}
			fmt.Printf("Run report: %s\n", rep)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum QSOs to fetch")
	cmd.Flags().StringVar(&since, "since", "", "Only QSOs at or after this ISO-8601 timestamp")
	cmd.Flags().StringVar(&size, "size", "4x6", "Card size (4x6 or 5x7)")
	return cmd
}

func sendCmd(ctx context.Context, cfg config.Config, use, short string) *cobra.Command {
	var limit, maxRetries int
	var since, size string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, ledger, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			defer ledger.Close()
			p.MaxRetries = maxRetries

			runID := util.NewRunID()
			slog.Info("run starting", "run_id", runID, "dry_run", cfg.DryRun, "limit", limit, "size", size)

			rep, err := p.Run(ctx, since, limit, size)
			if err != nil {
				return err
			}
			fmt.Printf("Run report: %s dry_run=%v\n", rep, cfg.DryRun)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum QSOs to fetch")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 3, "Send attempts per record within this run")
	cmd.Flags().StringVar(&since, "since", "", "Only QSOs at or after this ISO-8601 timestamp")
	cmd.Flags().StringVar(&size, "size", "4x6", "Card size (4x6 or 5x7)")
	return cmd
}

func buildPipeline(cfg config.Config) (*pipeline.Pipeline, store.Ledger, error) {
	observability.Register(prometheus.DefaultRegisterer)

	ledger, err := openLedger(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open delivery ledger: %w", err)
	}

	client := connector.New(cfg.ConnectorBaseURL, cfg.ConnectorToken)

	var backend render.Backend = render.CardBackend{}
	if cfg.PDFBackend == "placeholder" {
		backend = render.PlaceholderBackend{}
	}
	renderer := render.New(cfg.OutputDir, backend, cfg.FromCallsign, cfg.FromOperatorName, cfg.FromEmail)

	p := &pipeline.Pipeline{
		Fetcher:    client,
		Ledger:     ledger,
		Renderer:   renderer,
		Mailer:     mailer.New(cfg),
		Syncer:     syncer.New(client),
		DryRun:     cfg.DryRun,
		MaxRetries: 3,
		FromEmail:  cfg.FromEmail,
		Sleep:      time.Sleep,
		Now:        util.NowUTC,
	}
	return p, ledger, nil
}

func openLedger(cfg config.Config) (store.Ledger, error) {
	switch cfg.StateBackend {
	case "", "sqlite":
		return sqlite.Open(cfg.StateDB)
	case "postgres":
		ctx := context.Background()
		pool, err := pg.NewPool(ctx, cfg.StateDSN)
		if err != nil {
			return nil, err
		}
		return pg.New(ctx, pool)
	default:
		return nil, fmt.Errorf("unknown STATE_BACKEND %q", cfg.StateBackend)
	}
}
