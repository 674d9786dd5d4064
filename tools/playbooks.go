package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/opsrelay/infrabridge/registry"
)

const playbookPattern = "**/*.{yml,yaml}"

// playKeys mark a YAML document as a playbook rather than vars, tasks or
// inventory.
var playKeys = []string{"hosts", "import_playbook", "ansible.builtin.import_playbook"}

// ListPlaybooks finds Ansible playbooks under the work directory.
func ListPlaybooks(deps Deps) registry.Tool {
	deps = deps.withDefaults()
	def := registry.Definition{
		Name:        "ansible_list_playbooks",
		Description: "List Ansible playbooks under a directory of the work directory. Role, vars and inventory YAML files are skipped.",
		InputSchema: objectSchema(nil, map[string]*jsonschema.Schema{
			"dir": stringProp("Directory relative to the work directory (default: the work directory itself)"),
		}),
	}
	return registry.NewFunc(def, func(ctx context.Context, args map[string]any) (registry.Result, error) {
		dir := stringArg(args, "dir")
		if dir == "" {
			dir = "."
		}
		dir = path.Clean(dir)
		if !fs.ValidPath(dir) {
			return registry.Failure("dir must be a relative path inside the work directory: %s", dir), nil
		}
		fsys, err := fs.Sub(os.DirFS(deps.WorkDir), dir)
		if err != nil {
			return registry.Result{}, err
		}
		found, err := findPlaybooks(fsys)
		if err != nil {
			return registry.Failure("list playbooks in %s: %v", dir, err), nil
		}
		if len(found) == 0 {
			return registry.Result{Success: true, Output: fmt.Sprintf("no playbooks found in %s", dir)}, nil
		}
		if dir != "." {
			for i, p := range found {
				found[i] = path.Join(dir, p)
			}
		}
		return registry.Result{Success: true, Output: strings.Join(found, "\n")}, nil
	})
}

func findPlaybooks(fsys fs.FS) ([]string, error) {
	matches, err := doublestar.Glob(fsys, playbookPattern, doublestar.WithFilesOnly(), doublestar.WithFailOnIOErrors())
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range matches {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		if isPlaybook(data) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func isPlaybook(data []byte) bool {
	var plays []map[string]any
	if err := yaml.Unmarshal(data, &plays); err != nil || len(plays) == 0 {
		return false
	}
	for _, key := range playKeys {
		if _, ok := plays[0][key]; ok {
			return true
		}
	}
	return false
}
