// Package validator checks caller-supplied command-line material against a
// tool's flag policy before anything is executed.
package validator

import (
	"fmt"
	"slices"
	"strings"

	"github.com/opsrelay/infrabridge/manifest"
)

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// ValidateExtraArgs checks args, already split from a tool's extra_args, against
// the tool's flags. Unlisted flags are rejected, as are positional words unless
// the tool allows them.
func ValidateExtraArgs(tool *manifest.Tool, args []string) error {
	if len(args) == 0 {
		return nil
	}
	if !tool.ExtraArgs {
		return &ValidationError{Message: fmt.Sprintf("Tool '%s' does not accept extra arguments.", tool.Name)}
	}

	idx := 0
	for idx < len(args) {
		arg := args[idx]
		if err := checkNUL(arg); err != nil {
			return err
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			if !tool.AllowPositional {
				return &ValidationError{Message: fmt.Sprintf("Positional argument '%s' is not allowed for '%s'.", arg, tool.Name) + allowedFlagHint(tool)}
			}
			idx++
			continue
		}

		flagName, inlineValue, hasInline := splitFlag(arg)
		flagObj := tool.GetFlag(flagName)
		if flagObj == nil {
			if err := validateCombined(tool, arg); err != nil {
				return err
			}
			idx++
			continue
		}
		if flagObj.Deny {
			return &ValidationError{Message: fmt.Sprintf("Flag '%s' is not available for '%s': %s", flagName, tool.Name, flagObj.Reason) + allowedFlagHint(tool)}
		}

		switch {
		case flagObj.TakesValue && hasInline:
			if err := validateFlagValue(tool.Name, flagObj, inlineValue); err != nil {
				return err
			}
		case flagObj.TakesValue:
			idx++
			if idx >= len(args) {
				return &ValidationError{Message: fmt.Sprintf("Flag '%s' requires a value.", flagName)}
			}
			if err := validateFlagValue(tool.Name, flagObj, args[idx]); err != nil {
				return err
			}
		case hasInline:
			return &ValidationError{Message: fmt.Sprintf("Flag '%s' does not take a value.", flagName)}
		}
		idx++
	}

	return nil
}

// ValidateValue checks a value bound to a named tool option.
func ValidateValue(arg, value string) error {
	if err := checkNUL(value); err != nil {
		return err
	}
	if strings.HasPrefix(value, "-") {
		return &ValidationError{Message: fmt.Sprintf("Value for '%s' cannot start with '-'.", arg)}
	}
	return nil
}

func checkNUL(s string) error {
	if strings.ContainsRune(s, 0) {
		return &ValidationError{Message: "Arguments cannot contain NUL bytes."}
	}
	return nil
}

func splitFlag(arg string) (string, string, bool) {
	if eq := strings.Index(arg, "="); eq > 1 {
		return arg[:eq], arg[eq+1:], true
	}
	return arg, "", false
}

// validateCombined accepts bundled short flags such as -nn or -vk when every
// letter is an allowed flag.
func validateCombined(tool *manifest.Tool, flag string) error {
	if len(flag) <= 2 || strings.HasPrefix(flag, "--") || strings.Contains(flag, "=") || tool.GetFlag(flag[:2]) == nil {
		return &ValidationError{Message: fmt.Sprintf("Flag '%s' is not recognized for '%s'.", flag, tool.Name) + allowedFlagHint(tool)}
	}

	for i := 1; i < len(flag); i++ {
		subFlag := "-" + string(flag[i])
		sub := tool.GetFlag(subFlag)
		if sub == nil {
			return &ValidationError{Message: fmt.Sprintf("Flag '%s' (from '%s') is not recognized for '%s'.", subFlag, flag, tool.Name) + allowedFlagHint(tool)}
		}
		if sub.Deny {
			return &ValidationError{Message: fmt.Sprintf("Flag '%s' (from '%s') is not available for '%s': %s", subFlag, flag, tool.Name, sub.Reason) + allowedFlagHint(tool)}
		}
		if sub.TakesValue {
			if inlineVal := flag[i+1:]; inlineVal != "" {
				return validateFlagValue(tool.Name, sub, inlineVal)
			}
			return &ValidationError{Message: fmt.Sprintf("Flag '%s' (from '%s') requires an inline value.", subFlag, flag)}
		}
	}
	return nil
}

func validateFlagValue(toolName string, flag *manifest.Flag, value string) error {
	if err := checkNUL(value); err != nil {
		return err
	}
	if len(flag.AllowedValues) > 0 && !slices.Contains(flag.AllowedValues, value) {
		return &ValidationError{Message: fmt.Sprintf("Value '%s' is not valid for flag '%s' of '%s'. Allowed values: %s", value, flag.Flag, toolName, strings.Join(flag.AllowedValues, ", "))}
	}
	return nil
}

func allowedFlagNames(tool *manifest.Tool) []string {
	names := make([]string, 0, len(tool.Flags))
	for _, f := range tool.Flags {
		if !f.Deny {
			names = append(names, f.Flag)
		}
	}
	return names
}

func allowedFlagHint(tool *manifest.Tool) string {
	names := allowedFlagNames(tool)
	if len(names) == 0 {
		return ""
	}
	return " Allowed flags: " + strings.Join(names, ", ")
}
