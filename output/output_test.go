package output

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestTruncateSmallPassThrough(t *testing.T) {
	res := Truncate("hello", "", 0, 42*time.Millisecond, 0)
	if res.Stdout != "hello" {
		t.Fatalf("Stdout = %q, want hello", res.Stdout)
	}
	if res.Truncated {
		t.Fatal("Truncated should be false")
	}
	if got, want := res.TotalBytes, 5; got != want {
		t.Fatalf("TotalBytes = %d, want %d", got, want)
	}
}

func TestTruncateLargeBounded(t *testing.T) {
	data := strings.Repeat("x", 100_000)
	res := Truncate(data, "", 0, time.Millisecond, 0)
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	if !strings.Contains(res.Stdout, "TRUNCATED: 100000 bytes") {
		t.Fatalf("missing truncation marker in %q", res.Stdout[DefaultHeadBytes-10:DefaultHeadBytes+80])
	}
	if got := len(res.Stdout); got > DefaultMaxBytes {
		t.Fatalf("stdout bytes = %d, exceeds %d", got, DefaultMaxBytes)
	}
}

func TestTruncatePreservesHeadAndTail(t *testing.T) {
	data := "PLAY [all]\n" + strings.Repeat("ok: [web1]\n", 20000) + "PLAY RECAP"
	res := Truncate(data, "", 0, time.Millisecond, 4096)
	if !strings.HasPrefix(res.Stdout, "PLAY [all]") {
		t.Fatal("expected head content")
	}
	if !strings.HasSuffix(res.Stdout, "PLAY RECAP") {
		t.Fatal("expected tail content")
	}
	if got := len(res.Stdout); got > 4096 {
		t.Fatalf("stdout bytes = %d, exceeds 4096", got)
	}
}

func TestTruncateUnicodeSafe(t *testing.T) {
	data := strings.Repeat("😀", 20000)
	for _, limit := range []int{0, 1000, 1001, 1002, 1003} {
		res := Truncate(data, "", 0, time.Millisecond, limit)
		if !res.Truncated {
			t.Fatalf("limit %d: expected truncation", limit)
		}
		if !utf8.ValidString(res.Stdout) {
			t.Fatalf("limit %d: truncated output is not valid UTF-8", limit)
		}
	}
}

func TestStringEdgeLimits(t *testing.T) {
	got, truncated := String("hello", 0)
	if !truncated || got != "" {
		t.Fatalf("String(hello, 0) = %q, %v; want empty, true", got, truncated)
	}
	got, truncated = String("hello", 1)
	if !truncated || len(got) > 1 {
		t.Fatalf("String(hello, 1) = %q, %v; want <= 1 byte, true", got, truncated)
	}
	got, truncated = String("hello", 5)
	if truncated || got != "hello" {
		t.Fatalf("String(hello, 5) = %q, %v; want hello, false", got, truncated)
	}
}

func TestTruncateMetadata(t *testing.T) {
	data := strings.Repeat("😀", 100)
	res := Truncate(data, "err", 255, 999*time.Millisecond, 0)
	if got, want := res.TotalBytes, 403; got != want {
		t.Fatalf("TotalBytes = %d, want %d", got, want)
	}
	if res.ExitCode != 255 || res.Runtime != 999*time.Millisecond {
		t.Fatalf("metadata not preserved: %+v", res)
	}
	if res.Stderr != "err" {
		t.Fatalf("Stderr = %q, want err", res.Stderr)
	}
}
