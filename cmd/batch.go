package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-pipeline/internal/enrich"
	"github.com/sells-group/prospect-pipeline/internal/pipeline"
)

var (
	batchSize   int
	batchWorker string
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Run one enrichment batch",
	Long:  "Claims a batch of eligible prospects, fans the enricher out over them, and reports the per-outcome counts as JSON on stdout.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Enricher.WebhookURL == "" {
			return eris.New("batch: enricher.webhook_url is not configured")
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		workerID := batchWorker
		if workerID == "" {
			workerID = workerIdentity()
		}

		size := batchSize
		if size == 0 {
			size = cfg.Batch.Size
		}

		enricher := enrich.NewWebhook(cfg.Enricher.WebhookURL, cfg.Enricher.Timeout)
		runner := pipeline.NewRunner(st, newManager(st), enricher, workerID, pipeline.RunnerConfig{
			BatchSize:     size,
			MaxConcurrent: cfg.Batch.MaxConcurrent,
			ClaimsPerSec:  cfg.Batch.ClaimsPerSec,
		})

		summary, err := runner.Run(cmd.Context())
		if err != nil {
			zap.L().Error("batch run failed", zap.Error(err))
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchSize, "size", 0, "batch size (default from config)")
	batchCmd.Flags().StringVar(&batchWorker, "worker", "", "worker identity (default derived from hostname)")
	rootCmd.AddCommand(batchCmd)
}
