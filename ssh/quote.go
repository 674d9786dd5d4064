package ssh

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// QuoteCommand renders argv as a POSIX shell command line in which every
// element is a single literal word. Elements that cannot be represented,
// such as those holding NUL or other non-printable bytes, are an error.
func QuoteCommand(argv []string) (string, error) {
	parts := make([]string, 0, len(argv))
	for i, arg := range argv {
		quoted, err := syntax.Quote(arg, syntax.LangPOSIX)
		if err != nil {
			return "", fmt.Errorf("quote argument %d: %w", i, err)
		}
		parts = append(parts, quoted)
	}
	return strings.Join(parts, " "), nil
}
