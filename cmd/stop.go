package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-pipeline/internal/pipeline"
)

var (
	stopBy  string
	stopYes bool
)

var stopCmd = &cobra.Command{
	Use:   "emergency-stop",
	Short: "Fail all in-flight jobs and clear every lease",
	Long:  "Break-glass recovery for a wedged worker fleet: fails every processing job and strips every lease regardless of owner. Pipeline statuses are left untouched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !stopYes {
			fmt.Print("This fails every in-flight job and clears every lease. Continue? [y/N] ")
			line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
				fmt.Println("aborted")
				return nil
			}
		}

		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		result, err := pipeline.NewEmergencyStop(st).Execute(cmd.Context(), stopBy)
		if err != nil {
			return err
		}
		fmt.Printf("failed %d jobs, cleared %d leases\n", result.JobsFailed, result.LeasesCleared)
		return nil
	},
}

func init() {
	stopCmd.Flags().StringVar(&stopBy, "by", "operator", "who triggered the stop (recorded in the audit log)")
	stopCmd.Flags().BoolVarP(&stopYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(stopCmd)
}
