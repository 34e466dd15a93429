package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var unshelveCmd = &cobra.Command{
	Use:   "unshelve <change>",
	Short: "Place the files of a pending change in the workspace",
	Long: `Place the files of a shelved change in the sync directory. The committed
baseline is left alone; sync it again to restore it.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnshelve,
}

var revertCmd = &cobra.Command{
	Use:   "revert",
	Short: "Discard the client's pending changes on the depot",
	Args:  cobra.NoArgs,
	RunE:  runRevert,
}

func init() {
	rootCmd.AddCommand(unshelveCmd, revertCmd)
}

func runUnshelve(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid change %q: %w", args[0], err)
	}
	return withSession(func(s *session) error {
		res, err := s.ws.Unshelve(cmd.Context(), id)
		if res != nil {
			fmt.Printf("change %d: %d files\n", res.ChangeID, res.Files)
			printCounts(res.Counts)
			printFailures(res.Failures)
		}
		return err
	})
}

func runRevert(cmd *cobra.Command, _ []string) error {
	return withSession(func(s *session) error {
		if err := s.ws.Revert(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("reverted open files of %s\n", s.ws.ClientID())
		return nil
	})
}
