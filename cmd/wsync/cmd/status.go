package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/wsync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the workspace footprint",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var statsCmd = &cobra.Command{
	Use:   "stats <stream[@rev]>...",
	Short: "Show the footprint of stream revisions",
	Long:  "Show the size of stream revisions and how much of it the workspace already holds.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringArrayP("view", "v", nil, "view pattern applied to every stream (repeatable)")
	rootCmd.AddCommand(statusCmd, statsCmd)
}

func runStatus(_ *cobra.Command, _ []string) error {
	return withSession(func(s *session) error {
		st := s.ws.Status()
		fmt.Printf("root      %s\n", s.ws.Root())
		fmt.Printf("client    %s\n", st.ClientID)
		if st.Stream != "" {
			fmt.Printf("stream    %s@%d\n", st.Stream, st.Revision)
		}
		fmt.Printf("files     %d (%d bytes)\n", st.ManifestEntries, st.WorkspaceBytes)
		fmt.Printf("cache     %d blobs (%d bytes)\n", st.CacheEntries, st.CacheBytes)
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	view, _ := cmd.Flags().GetStringArray("view")
	reqs := make([]wsync.StreamRequest, 0, len(args))
	for _, arg := range args {
		stream, rev, err := parseStreamRev(arg)
		if err != nil {
			return err
		}
		reqs = append(reqs, wsync.StreamRequest{Stream: stream, Revision: rev, View: view})
	}

	return withSession(func(s *session) error {
		stats, err := s.ws.Stats(cmd.Context(), reqs)
		for _, st := range stats {
			fmt.Printf("%s@%d: %d files (%d bytes), local %d files (%d bytes)\n",
				st.Stream, st.Revision, st.Files, st.Bytes, st.LocalFiles, st.LocalBytes)
		}
		return err
	})
}
