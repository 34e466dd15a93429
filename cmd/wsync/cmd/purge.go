package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Evict cached content",
	Long:  "Evict cached content, least recently used first, until the store fits the target size.",
	Args:  cobra.NoArgs,
	RunE:  runPurge,
}

func init() {
	purgeCmd.Flags().Int64("target", 0, "bytes the store may keep")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, _ []string) error {
	target, _ := cmd.Flags().GetInt64("target")
	return withSession(func(s *session) error {
		res, err := s.ws.Purge(cmd.Context(), target)
		if res != nil {
			fmt.Printf("evicted %d blobs (%d bytes), %d bytes cached\n", res.Evicted, res.EvictedBytes, res.CacheBytes)
		}
		return err
	})
}
