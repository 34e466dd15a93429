package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Verify the store and the manifest",
	Args:  cobra.NoArgs,
	RunE:  runRepair,
}

func init() {
	rootCmd.AddCommand(repairCmd)
}

func runRepair(cmd *cobra.Command, _ []string) error {
	return withSession(func(s *session) error {
		res, err := s.ws.Repair(cmd.Context())
		if res != nil {
			fmt.Printf("verified %d, quarantined %d, adopted %d, dropped %d, temp removed %d\n",
				res.Verified, res.Quarantined, res.Adopted, res.Dropped, res.TempRemoved)
			fmt.Printf("manifest: forgotten %d, refreshed %d\n", res.Forgotten, res.Refreshed)
		}
		return err
	})
}
