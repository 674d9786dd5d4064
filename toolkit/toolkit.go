// Package toolkit works out which external programs the service tools rely
// on and checks whether a host provides them.
package toolkit

import (
	"fmt"
	"os/exec"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/opsrelay/infrabridge/manifest"
)

const separator = "---"

// Requirements maps each program to the tools that run it.
type Requirements map[string][]string

// Programs returns the required program names in sorted order.
func (r Requirements) Programs() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collect gathers the programs of every tool in bundles whose remote flag
// matches remote.
func Collect(bundles map[string]*manifest.Bundle, remote bool) Requirements {
	req := make(Requirements)
	for _, name := range manifest.Names(bundles) {
		for _, tool := range bundles[name].Tools {
			if tool.Remote != remote || len(tool.Command) == 0 {
				continue
			}
			prog := tool.Command[0]
			if !slices.Contains(req[prog], tool.Name) {
				req[prog] = append(req[prog], tool.Name)
			}
		}
	}
	return req
}

// ProbeCommand builds an argv that prints the path of every program found on
// the host, a separator line and the machine architecture.
func ProbeCommand(programs []string) []string {
	script := `command -v "$@" 2>/dev/null; echo ` + separator + `; uname -m`
	return append([]string{"sh", "-c", script, "probe"}, programs...)
}

// ParseProbeOutput reads the output of ProbeCommand and reports which of
// programs were not found.
func ParseProbeOutput(stdout string, programs []string) (missing []string, arch string) {
	found := map[string]struct{}{}
	foundSection, archSection, _ := strings.Cut(stdout, separator)

	arch = "unknown"
	if got := strings.TrimSpace(archSection); got != "" {
		arch = got
	}
	for _, line := range strings.Split(foundSection, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		found[path.Base(line)] = struct{}{}
	}

	missing = []string{}
	for _, prog := range programs {
		if _, ok := found[prog]; !ok {
			missing = append(missing, prog)
		}
	}
	return missing, arch
}

// NormalizeArch maps uname -m spellings onto one name per architecture.
func NormalizeArch(arch string) (string, error) {
	switch strings.TrimSpace(arch) {
	case "x86_64", "amd64":
		return "x86_64", nil
	case "aarch64", "arm64":
		return "aarch64", nil
	default:
		return "", fmt.Errorf("unsupported architecture %q", arch)
	}
}

// MissingLocal reports the programs that are not on this machine's PATH.
func MissingLocal(programs []string) []string {
	missing := []string{}
	for _, prog := range programs {
		if _, err := exec.LookPath(prog); err != nil {
			missing = append(missing, prog)
		}
	}
	return missing
}

// FormatMissing describes missing programs and the tools that cannot run
// without them.
func FormatMissing(req Requirements, missing []string) string {
	if len(missing) == 0 {
		return ""
	}
	lines := make([]string, 0, len(missing))
	for _, prog := range missing {
		lines = append(lines, fmt.Sprintf("%s (needed by %s)", prog, strings.Join(req[prog], ", ")))
	}
	return "Missing programs:\n  " + strings.Join(lines, "\n  ")
}
