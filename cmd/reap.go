package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-pipeline/internal/pipeline"
)

var reapAll bool

var reapCmd = &cobra.Command{
	Use:   "reap [jobID]",
	Short: "Fail stuck enrichment jobs",
	Long:  "Checks one job (or every processing job with --all) and fails those whose heartbeat has been silent past the job timeout.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if reapAll == (len(args) == 1) {
			return eris.New("reap: pass a job id or --all, not both")
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		reaper := pipeline.NewReaper(st, cfg.Reaper.JobTimeout)

		if reapAll {
			reaped, err := reaper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("reaped %d stuck jobs\n", reaped)
			return nil
		}

		result, err := reaper.ReapJob(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("job %s: %s\n", args[0], result)
		return nil
	},
}

func init() {
	reapCmd.Flags().BoolVar(&reapAll, "all", false, "sweep every processing job")
	rootCmd.AddCommand(reapCmd)
}
