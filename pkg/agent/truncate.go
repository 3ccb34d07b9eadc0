package agent

import "fmt"

// truncateMiddle bounds s to roughly max bytes by eliding the middle,
// keeping the head and tail where build errors and summaries live
func truncateMiddle(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}

	marker := fmt.Sprintf("\n... [%d bytes truncated] ...\n", len(s)-max)
	half := max / 2
	return s[:half] + marker + s[len(s)-half:]
}
