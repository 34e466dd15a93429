package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   "setup <stream>",
	Short: "Register the workspace with the depot",
	Long:  "Register the workspace's client for a stream and record both locally.",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

func runSetup(cmd *cobra.Command, args []string) error {
	return withSession(func(s *session) error {
		if err := s.ws.Setup(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("client %s set up for %s\n", s.ws.ClientID(), args[0])
		return nil
	})
}
