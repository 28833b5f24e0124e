// Package workload defines the SQL scripts a benchmark run draws its
// transactions from and the weighted selection between them.
package workload

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Table layout constants shared by script generation and schema setup.
const (
	// TellersPerBranch is the number of teller rows per branch.
	TellersPerBranch = 10

	// AccountsPerBranch is the number of account rows per branch.
	AccountsPerBranch = 100000

	// MaxDelta is the upper bound (inclusive) for the random balance delta.
	MaxDelta = 1000
)

// Parameter names a script may reference as ":name" tokens.
const (
	ParamBid       = "bid"
	ParamTid       = "tid"
	ParamAid       = "aid"
	ParamDelta     = "delta"
	ParamIteration = "iteration"
)

// tablesPlaceholder is replaced with the configured table folder (schema
// name) when a script is loaded.
const tablesPlaceholder = "{{TABLES}}"

// paramPattern matches the bind parameters a script may reference.
var paramPattern = regexp.MustCompile(`:(bid|tid|aid|delta|iteration)\b`)

// Statement is one executable statement of a script, with its parameter
// references rewritten to positional placeholders.
type Statement struct {
	// SQL is the statement text with $1..$n placeholders.
	SQL string

	// Params lists the parameter names bound to $1..$n, in order.
	Params []string
}

// Script is an immutable descriptor of one candidate transaction script.
// It is created once at startup and never mutated afterwards.
type Script struct {
	// Filepath identifies the script in reports. Builtin scripts use a
	// synthetic "<builtin:name>" label.
	Filepath string

	// Content is the script text after table-folder substitution.
	Content string

	// Weight is the script's share of the weighted selection. Always > 0.
	Weight float64

	// Statements is Content split into executable units at load time.
	Statements []Statement

	// Parameter usage flags, derived once from Content.
	UsesBid       bool
	UsesTid       bool
	UsesAid       bool
	UsesDelta     bool
	UsesIteration bool
}

// NewScript builds a script from raw SQL text. The table folder is
// substituted into the text, parameter usage flags are derived from it and
// each statement is rewritten to positional placeholders.
func NewScript(filepath, content string, weight float64, tableFolder string) (*Script, error) {
	if weight <= 0 {
		return nil, fmt.Errorf("script %q: weight must be positive, got %v", filepath, weight)
	}

	content = strings.ReplaceAll(content, tablesPlaceholder, tableFolder)

	statements, err := splitStatements(content)
	if err != nil {
		return nil, fmt.Errorf("script %q: %w", filepath, err)
	}

	s := &Script{
		Filepath:   filepath,
		Content:    content,
		Weight:     weight,
		Statements: statements,
	}

	for _, match := range paramPattern.FindAllStringSubmatch(content, -1) {
		switch match[1] {
		case ParamBid:
			s.UsesBid = true
		case ParamTid:
			s.UsesTid = true
		case ParamAid:
			s.UsesAid = true
		case ParamDelta:
			s.UsesDelta = true
		case ParamIteration:
			s.UsesIteration = true
		}
	}

	return s, nil
}

// LoadFile reads a script from disk.
func LoadFile(path string, weight float64, tableFolder string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script file: %w", err)
	}

	return NewScript(path, string(data), weight, tableFolder)
}

// splitStatements splits script text on ";" and rewrites each statement's
// ":name" parameter references to positional placeholders.
func splitStatements(content string) ([]Statement, error) {
	parts := strings.Split(content, ";")
	statements := make([]Statement, 0, len(parts))

	for _, part := range parts {
		text := strings.TrimSpace(part)
		if text == "" {
			continue
		}

		statements = append(statements, rewriteStatement(text))
	}

	if len(statements) == 0 {
		return nil, fmt.Errorf("script contains no statements")
	}

	return statements, nil
}

// rewriteStatement replaces ":name" tokens with $1..$n placeholders,
// numbering parameters in first-appearance order. Repeated references to
// the same parameter reuse the same placeholder.
func rewriteStatement(text string) Statement {
	indexes := make(map[string]int)
	params := make([]string, 0, 4)

	sql := paramPattern.ReplaceAllStringFunc(text, func(token string) string {
		name := token[1:]

		idx, ok := indexes[name]
		if !ok {
			params = append(params, name)
			idx = len(params)
			indexes[name] = idx
		}

		return "$" + strconv.Itoa(idx)
	})

	return Statement{SQL: sql, Params: params}
}
