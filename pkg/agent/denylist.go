package agent

import "regexp"

// BlockedCommandMessage is fed back to the model in place of output
// when a command is denied
const BlockedCommandMessage = "Command blocked: modify files with <file> or <edit> blocks instead of shell writes."

// File writes must go through <file>/<edit> blocks so originals are
// captured for diffs; these patterns catch shell-side writers.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(^|[\s;|&])dd(\s|$)`),
	regexp.MustCompile(`(^|[\s;|&])sed\s(\S+\s+)*-\w*i`),
	regexp.MustCompile(`(^|[\s;|&])awk(\s|$)`),
	regexp.MustCompile(`(^|[\s;|&])tee(\s|$)`),
	regexp.MustCompile(`(^|[\s;|&])printf\s[^|;&]*>`),
	regexp.MustCompile(`(^|[\s;|&])echo\s[^|;&]*>`),
	regexp.MustCompile(`(^|[\s;|&])cat\s[^|;&]*>`),
}

// CommandBlocked reports whether the shell command matches the
// in-place file writer deny list
func CommandBlocked(command string) bool {
	for _, re := range denyPatterns {
		if re.MatchString(command) {
			return true
		}
	}
	return false
}
