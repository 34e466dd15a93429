package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aweris/wsync"
)

var syncCmd = &cobra.Command{
	Use:   "sync [stream]",
	Short: "Sync the workspace to a stream revision",
	Long: `Make the sync directory hold the files of a stream revision as selected
by a view. Replaced content is kept in the local store, so switching back
does not download it again. Run the same sync again to resume after a
failure or interruption.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func init() {
	f := syncCmd.Flags()
	f.Int64P("revision", "r", 0, "revision to sync (0 selects head)")
	f.StringArrayP("view", "v", nil, "view pattern, e.g. /src/... or -/Data/... (repeatable)")
	f.Bool("remove-untracked", false, "move files the engine did not place into the store")
	f.BoolP("dry-run", "n", false, "plan the sync without changing anything")
	f.String("cache-file", "", "replay or record the target file list in this file")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	opts := wsync.SyncOptions{}
	if len(args) > 0 {
		opts.Stream = args[0]
	}
	f := cmd.Flags()
	opts.Revision, _ = f.GetInt64("revision")
	opts.View, _ = f.GetStringArray("view")
	opts.RemoveUntracked, _ = f.GetBool("remove-untracked")
	opts.FakeSync, _ = f.GetBool("dry-run")
	opts.CacheFile, _ = f.GetString("cache-file")

	return withSession(func(s *session) error {
		res, err := s.ws.Sync(cmd.Context(), opts)
		if res != nil && res.Stream != "" {
			printSync(res)
		}
		return err
	})
}

func printSync(res *wsync.SyncResult) {
	fmt.Printf("%s %s@%d: %d files", res.Status, res.Stream, res.Revision, res.Files)
	if res.Replayed {
		fmt.Print(" (replayed)")
	}
	fmt.Println()
	printCounts(res.Counts)
	if res.Evicted > 0 {
		fmt.Printf("  evicted      %d\n", res.Evicted)
	}
	printFailures(res.Failures)
}

func printCounts(c wsync.Counts) {
	fmt.Printf("  materialized %d\n", c.Materialized)
	fmt.Printf("  fetched      %d (%d bytes)\n", c.Fetched, c.FetchedBytes)
	fmt.Printf("  reclaimed    %d\n", c.Reclaimed)
	fmt.Printf("  ingested     %d\n", c.Ingested)
	fmt.Printf("  adopted      %d\n", c.Adopted)
	fmt.Printf("  forgotten    %d\n", c.Forgotten)
	fmt.Printf("  untracked    %d\n", c.Untracked)
	fmt.Printf("  unchanged    %d\n", c.Unchanged)
}

func printFailures(failures []wsync.FileFailure) {
	for _, f := range failures {
		fmt.Fprintf(os.Stderr, "  failed %s: %v\n", f.Path, f.Err)
	}
}
