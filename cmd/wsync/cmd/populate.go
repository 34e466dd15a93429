package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aweris/wsync"
)

var populateCmd = &cobra.Command{
	Use:   "populate <stream[@rev]>...",
	Short: "Fetch stream content into the store",
	Long:  "Fetch the content of stream revisions into the local store without touching the sync directory.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPopulate,
}

func init() {
	f := populateCmd.Flags()
	f.StringArrayP("view", "v", nil, "view pattern applied to every stream (repeatable)")
	f.BoolP("dry-run", "n", false, "report what would be fetched")
	rootCmd.AddCommand(populateCmd)
}

func runPopulate(cmd *cobra.Command, args []string) error {
	view, _ := cmd.Flags().GetStringArray("view")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	reqs := make([]wsync.PopulateRequest, 0, len(args))
	for _, arg := range args {
		stream, rev, err := parseStreamRev(arg)
		if err != nil {
			return err
		}
		reqs = append(reqs, wsync.PopulateRequest{Stream: stream, Revision: rev, View: view})
	}

	return withSession(func(s *session) error {
		res, err := s.ws.Populate(cmd.Context(), reqs, dryRun)
		if res != nil {
			for _, st := range res.Streams {
				fmt.Printf("%s@%d: %d files, %d to fetch (%d bytes)\n", st.Stream, st.Revision, st.Files, st.Fetched, st.FetchedBytes)
				printFailures(st.Failures)
			}
		}
		return err
	})
}
