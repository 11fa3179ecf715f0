package upgrade

import "strings"

// Split turns raw script text into statements. Lines that begin with CommentMarker are
// dropped, the remaining lines are concatenated without a separator and the result is
// split on ';'. Trailing empty segments are discarded, so a comment-only script yields no
// statements. Interior empty or blank segments are kept.
func Split(raw string) []string {
	lines := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r'
	})

	var b strings.Builder
	b.Grow(len(raw))
	for _, line := range lines {
		if strings.HasPrefix(line, CommentMarker) {
			continue
		}
		b.WriteString(line)
	}

	statements := strings.Split(b.String(), ";")
	for len(statements) > 0 && statements[len(statements)-1] == "" {
		statements = statements[:len(statements)-1]
	}
	return statements
}
