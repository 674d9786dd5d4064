// Package parser splits free-form argument strings into argv words without
// ever handing them to a shell.
package parser

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Input size limits.
const (
	MaxArgsLength = 16384 // max total length of an extra_args string
	MaxArgs       = 256   // max words produced by one string
)

type ParseError struct {
	Message string
}

func (e *ParseError) Error() string {
	return e.Message
}

// SplitArgs splits s the way bash would split a list of literal words.
// Quotes and backslash escapes are honoured. Anything that would make a
// shell do more than split words is rejected: operators, redirections,
// expansions, substitutions, globs in braces and assignments.
func SplitArgs(s string) ([]string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, nil
	}
	if len(trimmed) > MaxArgsLength {
		return nil, &ParseError{Message: fmt.Sprintf("Arguments too long (%d bytes, max %d).", len(trimmed), MaxArgsLength)}
	}
	if strings.ContainsAny(trimmed, "\n\r") {
		return nil, &ParseError{Message: "Arguments must be on a single line."}
	}

	p := syntax.NewParser(syntax.Variant(syntax.LangBash))
	file, err := p.Parse(strings.NewReader(trimmed), "")
	if err != nil {
		return nil, &ParseError{Message: fmt.Sprintf("parse error: %v", err)}
	}
	if len(file.Stmts) != 1 {
		return nil, &ParseError{Message: "Command separators are not allowed in arguments."}
	}
	stmt := file.Stmts[0]
	if stmt.Background {
		return nil, &ParseError{Message: "Background execution is not allowed."}
	}
	if stmt.Negated {
		return nil, &ParseError{Message: "Negation is not allowed."}
	}
	if len(stmt.Redirs) > 0 {
		return nil, &ParseError{Message: "Redirections are not allowed."}
	}

	call, ok := stmt.Cmd.(*syntax.CallExpr)
	if !ok {
		return nil, &ParseError{Message: fmt.Sprintf("Unsupported shell construct in arguments: %s.", describe(stmt.Cmd))}
	}
	if len(call.Assigns) > 0 {
		return nil, &ParseError{Message: "Variable assignments are not allowed."}
	}
	if len(call.Args) > MaxArgs {
		return nil, &ParseError{Message: fmt.Sprintf("Too many arguments (%d, max %d).", len(call.Args), MaxArgs)}
	}

	words := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		word, err := literal(w)
		if err != nil {
			return nil, err
		}
		words = append(words, word)
	}
	return words, nil
}

func describe(cmd syntax.Command) string {
	switch cmd.(type) {
	case *syntax.BinaryCmd:
		return "pipes and && / || chains"
	case *syntax.Subshell, *syntax.Block:
		return "grouping"
	case *syntax.IfClause, *syntax.WhileClause, *syntax.ForClause, *syntax.CaseClause:
		return "control flow"
	case *syntax.DeclClause, *syntax.LetClause:
		return "declarations"
	case *syntax.FuncDecl:
		return "function definitions"
	case nil:
		return "empty statement"
	default:
		return fmt.Sprintf("%T", cmd)
	}
}

func literal(w *syntax.Word) (string, error) {
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			if strings.ContainsAny(p.Value, "{}") {
				return "", &ParseError{Message: "Brace expansion is not allowed; quote the argument."}
			}
			if strings.HasPrefix(p.Value, "~") && b.Len() == 0 {
				return "", &ParseError{Message: "Tilde expansion will not expand. Use absolute paths."}
			}
			b.WriteString(unescape(p.Value, ""))
		case *syntax.SglQuoted:
			if p.Dollar {
				return "", &ParseError{Message: "ANSI-C quoting is not allowed."}
			}
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			if p.Dollar {
				return "", &ParseError{Message: "Locale quoting is not allowed."}
			}
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", expansionError(inner)
				}
				b.WriteString(unescape(lit.Value, "$`\"\\"))
			}
		default:
			return "", expansionError(part)
		}
	}
	return b.String(), nil
}

func expansionError(part syntax.WordPart) error {
	switch part.(type) {
	case *syntax.ParamExp:
		return &ParseError{Message: "Variable expansion will not expand. Use literal values."}
	case *syntax.CmdSubst:
		return &ParseError{Message: "Command substitution is not allowed."}
	case *syntax.ProcSubst:
		return &ParseError{Message: "Process substitution is not allowed."}
	case *syntax.ArithmExp:
		return &ParseError{Message: "Arithmetic expansion is not allowed."}
	case *syntax.ExtGlob:
		return &ParseError{Message: "Extended glob patterns are not allowed."}
	case *syntax.BraceExp:
		return &ParseError{Message: "Brace expansion is not allowed."}
	default:
		return &ParseError{Message: fmt.Sprintf("Unsupported word part: %T", part)}
	}
}

// unescape drops the backslash in front of escaped characters. An empty
// set means every character may be escaped, as outside quotes.
func unescape(s, set string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (set == "" || strings.IndexByte(set, s[i+1]) >= 0) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
