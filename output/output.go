// Package output bounds command output while keeping its beginning and end.
package output

import (
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	DefaultMaxBytes  = 65536
	DefaultHeadBytes = 48 * 1024
	DefaultTailBytes = 16 * 1024
)

// Captured is the bounded form of one command run.
type Captured struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	Runtime    time.Duration
	Truncated  bool
	TotalBytes int
}

// Truncate bounds stdout and stderr independently to maxBytes each. A
// maxBytes of zero or less selects DefaultMaxBytes.
func Truncate(stdout, stderr string, exitCode int, runtime time.Duration, maxBytes int) Captured {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	outStdout, truncOut := String(stdout, maxBytes)
	outStderr, truncErr := String(stderr, maxBytes)

	return Captured{
		Stdout:     outStdout,
		Stderr:     outStderr,
		ExitCode:   exitCode,
		Runtime:    runtime,
		Truncated:  truncOut || truncErr,
		TotalBytes: len(stdout) + len(stderr),
	}
}

// String keeps the head and tail of data within maxBytes, joined by a marker
// that reports the original size. Cuts never split a UTF-8 sequence.
func String(data string, maxBytes int) (string, bool) {
	total := len(data)
	if total <= maxBytes {
		return data, false
	}
	if maxBytes <= 0 {
		return "", true
	}

	separator := fmt.Sprintf("\n... [TRUNCATED: %d bytes total, showing head and tail] ...\n", total)
	if maxBytes <= len(separator) {
		return separator[:maxBytes], true
	}

	budget := maxBytes - len(separator)
	var headSize, tailSize int
	if maxBytes == DefaultMaxBytes {
		headSize = min(DefaultHeadBytes, budget)
		tailSize = min(DefaultTailBytes, budget-headSize)
	} else {
		headSize = budget * 3 / 4
		tailSize = budget - headSize
	}

	head := data[:headSize]
	for i := 0; i < utf8.UTFMax-1 && len(head) > 0; i++ {
		if r, size := utf8.DecodeLastRuneInString(head); r != utf8.RuneError || size > 1 {
			break
		}
		head = head[:len(head)-1]
	}
	tail := data[total-tailSize:]
	for i := 0; i < utf8.UTFMax-1 && len(tail) > 0 && !utf8.RuneStart(tail[0]); i++ {
		tail = tail[1:]
	}

	return head + separator + tail, true
}
