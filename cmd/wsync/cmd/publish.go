package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var publishCmd = &cobra.Command{
	Use:   "publish <stream> <dir>",
	Short: "Publish a directory as the next revision of a stream",
	Args:  cobra.ExactArgs(2),
	RunE:  runPublish,
}

var shelveCmd = &cobra.Command{
	Use:   "shelve <stream> <dir>",
	Short: "Store a directory as a pending change of this client",
	Args:  cobra.ExactArgs(2),
	RunE:  runShelve,
}

func init() {
	shelveCmd.Flags().StringP("message", "m", "", "change description")
	rootCmd.AddCommand(publishCmd, shelveCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	files, err := readTree(args[1])
	if err != nil {
		return err
	}
	return withSession(func(s *session) error {
		if s.depot == nil {
			return errNoRemote
		}
		rev, err := s.depot.Publish(cmd.Context(), args[0], files)
		if err != nil {
			return err
		}
		fmt.Printf("published %s@%d: %d files\n", args[0], rev, len(files))
		return nil
	})
}

func runShelve(cmd *cobra.Command, args []string) error {
	msg, _ := cmd.Flags().GetString("message")
	files, err := readTree(args[1])
	if err != nil {
		return err
	}
	return withSession(func(s *session) error {
		if s.depot == nil {
			return errNoRemote
		}
		id, err := s.depot.Shelve(cmd.Context(), s.ws.ClientID(), args[0], msg, files)
		if err != nil {
			return err
		}
		fmt.Printf("shelved change %d: %d files\n", id, len(files))
		return nil
	})
}

var errNoRemote = errors.New("no remote configured (use --remote or WSYNC_REMOTE)")

// readTree loads the regular files under dir keyed by slash-separated path.
func readTree(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	return files, nil
}
