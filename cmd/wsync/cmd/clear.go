package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Move every file of the sync directory into the store",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)
}

func runClear(cmd *cobra.Command, _ []string) error {
	return withSession(func(s *session) error {
		res, err := s.ws.Clear(cmd.Context())
		if res != nil {
			fmt.Printf("reclaimed %d, ingested %d\n", res.Reclaimed, res.Ingested)
			printFailures(res.Failures)
		}
		return err
	})
}
