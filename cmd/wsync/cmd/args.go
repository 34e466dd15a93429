package cmd

import (
	"fmt"
	"strconv"
	"strings"
)

// parseStreamRev splits "stream@rev"; a bare stream selects head.
func parseStreamRev(arg string) (string, int64, error) {
	stream, rev, ok := strings.Cut(arg, "@")
	if stream == "" {
		return "", 0, fmt.Errorf("invalid stream %q", arg)
	}
	if !ok {
		return stream, 0, nil
	}
	n, err := strconv.ParseInt(rev, 10, 64)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("invalid revision in %q", arg)
	}
	return stream, n, nil
}
