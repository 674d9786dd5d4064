// Package manifest loads and merges YAML service bundles. A bundle describes
// the command tools one service module contributes.
package manifest

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// Remote tools receive these arguments in addition to their options.
const (
	HostArg      = "host"
	UserArg      = "user"
	ExtraArgsArg = "extra_args"
)

//go:embed bundles/*.yaml
var bundlesFS embed.FS

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	nameRe        = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	optionTypes   = map[string]string{
		"string":  "string",
		"number":  "number",
		"integer": "integer",
		"bool":    "boolean",
		"boolean": "boolean",
		"array":   "array",
	}
)

type ManifestError struct {
	Message string
}

func (e *ManifestError) Error() string {
	return e.Message
}

// Flag is one entry of a tool's extra_args policy.
type Flag struct {
	Flag          string   `yaml:"flag"`
	Description   string   `yaml:"description"`
	TakesValue    bool     `yaml:"takes_value"`
	AllowedValues []string `yaml:"allowed_values"`
	Deny          bool     `yaml:"deny"`
	Reason        string   `yaml:"reason"`
}

// Option maps one tool argument onto the rendered command line. An option
// without a flag is positional.
type Option struct {
	Arg         string
	Flag        string
	Type        string
	Description string
	Required    bool
	Default     any
	Enum        []string
}

type Tool struct {
	Name            string
	Description     string
	Service         string
	Command         []string
	Options         []Option
	ExtraArgs       bool
	Flags           []Flag
	AllowPositional bool
	// Timeout in seconds; zero defers to the configured default.
	Timeout     int
	Remote      bool
	InputSchema map[string]any
}

type Bundle struct {
	Service     string
	Description string
	Tools       []*Tool
}

func (t *Tool) GetFlag(name string) *Flag {
	for i := range t.Flags {
		if t.Flags[i].Flag == name {
			return &t.Flags[i]
		}
	}
	return nil
}

func (t *Tool) GetOption(arg string) *Option {
	for i := range t.Options {
		if t.Options[i].Arg == arg {
			return &t.Options[i]
		}
	}
	return nil
}

// Placeholders lists the argument names referenced by the command template,
// in order of first use.
func (t *Tool) Placeholders() []string {
	var names []string
	for _, tok := range t.Command {
		for _, m := range placeholderRe.FindAllStringSubmatch(tok, -1) {
			if !slices.Contains(names, m[1]) {
				names = append(names, m[1])
			}
		}
	}
	return names
}

// Expand substitutes every placeholder in tmpl using value. It reports false
// when any placeholder has no value, in which case the token is dropped.
func Expand(tmpl string, value func(name string) (string, bool)) (string, bool) {
	complete := true
	out := placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := value(name)
		if !ok {
			complete = false
		}
		return v
	})
	if !complete {
		return "", false
	}
	return out, true
}

// Schema returns the tool's input schema. An explicit input_schema wins;
// otherwise one is derived from the options.
func (t *Tool) Schema() (*jsonschema.Schema, error) {
	if t.InputSchema != nil {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: encode input_schema: %w", t.Name, err)
		}
		var s jsonschema.Schema
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("tool %s: decode input_schema: %w", t.Name, err)
		}
		return &s, nil
	}

	s := &jsonschema.Schema{Type: "object", Properties: map[string]*jsonschema.Schema{}}
	if t.Remote {
		s.Properties[HostArg] = &jsonschema.Schema{Type: "string", Description: "Target host or ~/.ssh/config alias"}
		s.Properties[UserArg] = &jsonschema.Schema{Type: "string", Description: "SSH user (defaults to the configured user)"}
		s.Required = append(s.Required, HostArg)
	}
	placeholders := t.Placeholders()
	for _, opt := range t.Options {
		prop := &jsonschema.Schema{Type: optionTypes[opt.Type], Description: opt.Description}
		if opt.Type == "array" {
			prop.Items = &jsonschema.Schema{Type: "string"}
		}
		if opt.Type == "string" {
			for _, v := range opt.Enum {
				prop.Enum = append(prop.Enum, v)
			}
		}
		if opt.Default != nil {
			raw, err := json.Marshal(opt.Default)
			if err != nil {
				return nil, fmt.Errorf("tool %s: default for %s: %w", t.Name, opt.Arg, err)
			}
			prop.Default = raw
		}
		s.Properties[opt.Arg] = prop
		if opt.Required || (opt.Default == nil && slices.Contains(placeholders, opt.Arg)) {
			s.Required = append(s.Required, opt.Arg)
		}
	}
	if t.ExtraArgs {
		s.Properties[ExtraArgsArg] = &jsonschema.Schema{
			Type:        "string",
			Description: "Additional command-line arguments" + allowedHint(t),
		}
	}
	return s, nil
}

func allowedHint(t *Tool) string {
	var names []string
	for _, f := range t.Flags {
		if !f.Deny {
			names = append(names, f.Flag)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return " (allowed flags: " + strings.Join(names, ", ") + ")"
}

// LoadEmbedded returns the bundles compiled into the binary keyed by service.
func LoadEmbedded() (map[string]*Bundle, error) {
	return loadFromFS(bundlesFS, "bundles")
}

// LoadDir loads bundles from dir (recursive). Skips _-prefixed and non-YAML files.
func LoadDir(dir string) (map[string]*Bundle, error) {
	bundles, err := loadFromFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("walk bundle directory %s: %w", dir, err)
	}
	return bundles, nil
}

func loadFromFS(fsys fs.FS, root string) (map[string]*Bundle, error) {
	bundles := make(map[string]*Bundle)

	err := fs.WalkDir(fsys, root, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := path.Ext(filePath); ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if strings.HasPrefix(path.Base(filePath), "_") {
			return nil
		}

		b, readErr := fs.ReadFile(fsys, filePath)
		if readErr != nil {
			return fmt.Errorf("read bundle %s: %w", filePath, readErr)
		}

		var data map[string]any
		if unmarshalErr := yaml.Unmarshal(b, &data); unmarshalErr != nil {
			return &ManifestError{
				Message: fmt.Sprintf("invalid YAML in %s: %v", filePath, unmarshalErr),
			}
		}

		bundle, parseErr := parseBundle(data, filePath)
		if parseErr != nil {
			return parseErr
		}
		if existing, ok := bundles[bundle.Service]; ok {
			bundles[bundle.Service] = mergeBundle(existing, bundle)
			return nil
		}
		bundles[bundle.Service] = bundle
		return nil
	})
	if err != nil {
		return nil, err
	}

	return bundles, nil
}

// Merge combines base and overlay; within a service, overlay tools replace
// base tools of the same name. Does not mutate inputs.
func Merge(base, overlay map[string]*Bundle) map[string]*Bundle {
	merged := make(map[string]*Bundle, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		if existing, ok := merged[k]; ok {
			merged[k] = mergeBundle(existing, v)
			continue
		}
		merged[k] = v
	}
	return merged
}

// Names returns the service names of bundles in sorted order.
func Names(bundles map[string]*Bundle) []string {
	names := make([]string, 0, len(bundles))
	for name := range bundles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func mergeBundle(base, overlay *Bundle) *Bundle {
	out := &Bundle{Service: base.Service, Description: base.Description}
	if overlay.Description != "" {
		out.Description = overlay.Description
	}
	out.Tools = slices.Clone(base.Tools)
	for _, tool := range overlay.Tools {
		idx := slices.IndexFunc(out.Tools, func(t *Tool) bool { return t.Name == tool.Name })
		if idx >= 0 {
			out.Tools[idx] = tool
			continue
		}
		out.Tools = append(out.Tools, tool)
	}
	return out
}

func parseBundle(data map[string]any, filePath string) (*Bundle, error) {
	if data == nil {
		return nil, &ManifestError{Message: fmt.Sprintf("bundle %s is not a YAML mapping", filePath)}
	}

	service, ok := stringValue(data, "service")
	if !ok || service == "" {
		return nil, &ManifestError{Message: fmt.Sprintf("bundle %s missing required 'service' field", filePath)}
	}
	if !nameRe.MatchString(service) {
		return nil, &ManifestError{Message: fmt.Sprintf("bundle %s: invalid service name %q", filePath, service)}
	}

	rawTools, ok := data["tools"].([]any)
	if !ok || len(rawTools) == 0 {
		return nil, &ManifestError{Message: fmt.Sprintf("bundle %s: 'tools' must be a non-empty list", filePath)}
	}

	bundle := &Bundle{Service: service, Description: defaultString(data, "description")}
	seen := make(map[string]bool, len(rawTools))
	for _, raw := range rawTools {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			return nil, &ManifestError{Message: fmt.Sprintf("bundle %s: tool entry must be a mapping", filePath)}
		}
		tool, err := parseTool(toolMap, service, filePath)
		if err != nil {
			return nil, err
		}
		if seen[tool.Name] {
			return nil, &ManifestError{Message: fmt.Sprintf("bundle %s: duplicate tool %q", filePath, tool.Name)}
		}
		seen[tool.Name] = true
		bundle.Tools = append(bundle.Tools, tool)
	}
	return bundle, nil
}

func parseTool(data map[string]any, service, filePath string) (*Tool, error) {
	name, ok := stringValue(data, "name")
	if !ok || name == "" {
		return nil, &ManifestError{Message: fmt.Sprintf("bundle %s: tool missing required 'name' field", filePath)}
	}
	if !nameRe.MatchString(name) {
		return nil, &ManifestError{Message: fmt.Sprintf("bundle %s: invalid tool name %q", filePath, name)}
	}
	where := fmt.Sprintf("bundle %s tool %s", filePath, name)

	command, err := stringSliceValue(data, "command", where)
	if err != nil {
		return nil, err
	}
	if len(command) == 0 || command[0] == "" {
		return nil, &ManifestError{Message: fmt.Sprintf("%s: 'command' must be a non-empty list", where)}
	}
	if placeholderRe.MatchString(command[0]) {
		return nil, &ManifestError{Message: fmt.Sprintf("%s: the program name cannot be a placeholder", where)}
	}

	options, err := parseOptions(data["options"], where)
	if err != nil {
		return nil, err
	}

	flags, err := parseFlags(data["flags"], where)
	if err != nil {
		return nil, err
	}
	allow, err := stringSliceValue(data, "allow_flags", where)
	if err != nil {
		return nil, err
	}
	for _, f := range allow {
		if flagName, ok := strings.CutSuffix(f, "="); ok {
			flags = append(flags, Flag{Flag: flagName, TakesValue: true})
			continue
		}
		flags = append(flags, Flag{Flag: f})
	}
	deny, err := stringSliceValue(data, "deny_flags", where)
	if err != nil {
		return nil, err
	}
	for _, f := range deny {
		flags = append(flags, Flag{Flag: f, Deny: true, Reason: "denied for this tool"})
	}

	timeout := 0
	if rawTimeout, ok := data["timeout"]; ok {
		parsed, ok := intValueFromAny(rawTimeout)
		if !ok || parsed <= 0 {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: 'timeout' must be a positive int", where)}
		}
		timeout = parsed
	}

	var inputSchema map[string]any
	if raw, ok := data["input_schema"]; ok && raw != nil {
		inputSchema, ok = raw.(map[string]any)
		if !ok {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: 'input_schema' must be a mapping", where)}
		}
	}

	tool := &Tool{
		Name:            name,
		Description:     defaultString(data, "description"),
		Service:         service,
		Command:         command,
		Options:         options,
		ExtraArgs:       defaultBool(data, "extra_args"),
		Flags:           flags,
		AllowPositional: defaultBool(data, "allow_positional"),
		Timeout:         timeout,
		Remote:          defaultBool(data, "remote"),
		InputSchema:     inputSchema,
	}

	for _, ph := range tool.Placeholders() {
		if tool.GetOption(ph) == nil && !(tool.Remote && (ph == HostArg || ph == UserArg)) {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: placeholder {{%s}} has no matching option", where, ph)}
		}
	}
	for _, reserved := range []string{HostArg, UserArg, ExtraArgsArg} {
		if tool.GetOption(reserved) != nil && (reserved == ExtraArgsArg || tool.Remote) {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: option name %q is reserved", where, reserved)}
		}
	}
	return tool, nil
}

func parseOptions(raw any, where string) ([]Option, error) {
	if raw == nil {
		return nil, nil
	}
	rawOpts, ok := raw.([]any)
	if !ok {
		return nil, &ManifestError{Message: fmt.Sprintf("%s: 'options' must be a list", where)}
	}

	options := make([]Option, 0, len(rawOpts))
	seen := make(map[string]bool, len(rawOpts))
	for _, rawOpt := range rawOpts {
		optMap, ok := rawOpt.(map[string]any)
		if !ok {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: option entry must be a mapping", where)}
		}
		arg, ok := stringValue(optMap, "arg")
		if !ok || arg == "" {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: option entry missing 'arg' field", where)}
		}
		if seen[arg] {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: duplicate option %q", where, arg)}
		}
		seen[arg] = true

		typ := defaultString(optMap, "type")
		if typ == "" {
			typ = "string"
		}
		if _, ok := optionTypes[typ]; !ok {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: option %s has unknown type %q", where, arg, typ)}
		}
		if typ == "boolean" {
			typ = "bool"
		}
		flag := defaultString(optMap, "flag")
		if typ == "bool" && flag == "" {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: bool option %s needs a flag", where, arg)}
		}

		enum, err := stringSliceValue(optMap, "enum", where)
		if err != nil {
			return nil, err
		}

		options = append(options, Option{
			Arg:         arg,
			Flag:        flag,
			Type:        typ,
			Description: defaultString(optMap, "description"),
			Required:    defaultBool(optMap, "required"),
			Default:     optMap["default"],
			Enum:        enum,
		})
	}
	return options, nil
}

func parseFlags(raw any, where string) ([]Flag, error) {
	if raw == nil {
		return nil, nil
	}

	rawFlags, ok := raw.([]any)
	if !ok {
		return nil, &ManifestError{Message: fmt.Sprintf("%s: 'flags' must be a list", where)}
	}

	flags := make([]Flag, 0, len(rawFlags))
	for _, rawFlag := range rawFlags {
		flagMap, ok := rawFlag.(map[string]any)
		if !ok {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: flag entry must be a mapping", where)}
		}

		flag, ok := stringValue(flagMap, "flag")
		if !ok || flag == "" {
			return nil, &ManifestError{Message: fmt.Sprintf("%s: flag entry missing 'flag' field", where)}
		}

		allowedValues, err := stringSliceValue(flagMap, "allowed_values", where)
		if err != nil {
			return nil, err
		}

		flags = append(flags, Flag{
			Flag:          flag,
			Description:   defaultString(flagMap, "description"),
			TakesValue:    defaultBool(flagMap, "takes_value"),
			AllowedValues: allowedValues,
			Deny:          defaultBool(flagMap, "deny"),
			Reason:        defaultString(flagMap, "reason"),
		})
	}

	return flags, nil
}

func defaultString(values map[string]any, key string) string {
	v, ok := stringValue(values, key)
	if !ok {
		return ""
	}
	return v
}

func defaultBool(values map[string]any, key string) bool {
	raw, ok := values[key]
	if !ok {
		return false
	}
	parsed, ok := raw.(bool)
	if !ok {
		return false
	}
	return parsed
}

func stringValue(values map[string]any, key string) (string, bool) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return "", false
	}
	v, ok := raw.(string)
	return v, ok
}

func intValueFromAny(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		converted := int(n)
		if float64(converted) != n {
			return 0, false
		}
		return converted, true
	default:
		return 0, false
	}
}

func stringSliceValue(values map[string]any, key string, where string) ([]string, error) {
	raw, ok := values[key]
	if !ok || raw == nil {
		return nil, nil
	}

	switch typed := raw.(type) {
	case []string:
		return slices.Clone(typed), nil
	case []any:
		result := make([]string, 0, len(typed))
		for _, item := range typed {
			switch v := item.(type) {
			case string:
				result = append(result, v)
			case int, float64, bool:
				result = append(result, fmt.Sprint(v))
			default:
				return nil, &ManifestError{Message: fmt.Sprintf("%s: '%s' must be a string list", where, key)}
			}
		}
		return result, nil
	default:
		return nil, &ManifestError{Message: fmt.Sprintf("%s: '%s' must be a string list", where, key)}
	}
}
