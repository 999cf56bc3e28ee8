package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// IssueCode classifies a problem of a deskhost.yaml.
type IssueCode string

const (
	IssueMissing         IssueCode = "missing_required"
	IssueUnknownField    IssueCode = "unknown_field"
	IssueNotLoopback     IssueCode = "not_loopback"
	IssueInvalidDuration IssueCode = "invalid_duration"
	IssueInvalidPort     IssueCode = "invalid_port"
	IssueConflict        IssueCode = "conflicting_values"
	IssueTypeMismatch    IssueCode = "type_mismatch"
	IssueOther           IssueCode = "validation_error"
)

// ConfigIssue is one problem found while loading a configuration. Line is
// zero when CUE reported no position inside deskhost.yaml.
type ConfigIssue struct {
	Path    string // services.0.readySignal
	Code    IssueCode
	Message string
	Line    int
	Column  int
}

func (i ConfigIssue) String() string {
	if i.Line == 0 {
		return fmt.Sprintf("%s (%s)", i.Message, i.Code)
	}
	return fmt.Sprintf("%s:%d:%d: %s (%s)", configFilename, i.Line, i.Column, i.Message, i.Code)
}

func (i ConfigIssue) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("code", string(i.Code)),
		slog.String("path", i.Path),
		slog.String("message", i.Message),
	}
	if i.Line > 0 {
		attrs = append(attrs, slog.Int("line", i.Line), slog.Int("column", i.Column))
	}
	return slog.GroupValue(attrs...)
}

var (
	reIncomplete  = regexp.MustCompile(`(?i)incomplete value|required but not present`)
	reNotAllowed  = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict    = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible`)
	reExpectedGot = regexp.MustCompile(`(?i)expected .* got .*|mismatched types`)
)

// durationFields are the #Duration typed leaves of config.cue.
var durationFields = map[string]bool{
	"startupTimeout":  true,
	"shutdownTimeout": true,
	"healthInterval":  true,
	"restartBackoff":  true,
	"restartCooldown": true,
	"requestTimeout":  true,
	"interval":        true,
	"timeout":         true,
}

// ConfigIssues explains a LoadConfig error, one issue per offending field.
// Errors not coming from CUE are returned as a single IssueOther.
func ConfigIssues(err error) []ConfigIssue {
	if err == nil {
		return nil
	}
	type key struct {
		path string
		code IssueCode
	}
	seen := make(map[key]struct{})

	var out []ConfigIssue
	for _, e := range cueerrors.Errors(err) {
		raw, args := e.Msg()
		path := normalizePath(e.Path())
		code, msg := classify(fmt.Sprintf(raw, args...), path)
		k := key{path: path, code: code}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}

		issue := ConfigIssue{Path: path, Code: code, Message: msg}
		issue.Line, issue.Column = yamlPosition(e)
		out = append(out, issue)
	}
	if len(out) == 0 {
		return []ConfigIssue{{Code: IssueOther, Message: err.Error()}}
	}
	return out
}

func classify(raw, path string) (IssueCode, string) {
	field := last(path)
	switch {
	case reNotAllowed.MatchString(raw):
		return IssueUnknownField, fmt.Sprintf("field %s is not allowed", path)
	case reIncomplete.MatchString(raw):
		return IssueMissing, fmt.Sprintf("%s is required", path)
	case path == "bridge.host":
		msg := "bridge.host must be a loopback address"
		if values, dflt := enumStrings(schema.LookupPath(cue.ParsePath(path))); len(values) > 0 {
			msg += fmt.Sprintf(": possible values (%s)", strings.Join(values, ","))
			if dflt != "" {
				msg += fmt.Sprintf(" (default %s)", dflt)
			}
		}
		return IssueNotLoopback, msg
	case durationFields[field]:
		return IssueInvalidDuration, fmt.Sprintf("%s must be a duration like 500ms, 90s or 1m30s", path)
	case field == "port":
		return IssueInvalidPort, fmt.Sprintf("%s must be a port between 1 and 65535", path)
	case reConflict.MatchString(raw):
		return IssueConflict, fmt.Sprintf("conflicting values for %s", path)
	case reExpectedGot.MatchString(raw):
		return IssueTypeMismatch, fmt.Sprintf("%s has a wrong type", path)
	default:
		if path == "" {
			return IssueOther, raw
		}
		return IssueOther, path + ": " + raw
	}
}

// enumStrings lists the string alternatives of a disjunction and its default.
func enumStrings(v cue.Value) (values []string, def string) {
	if d, ok := v.Default(); ok {
		def, _ = d.String()
	}
	op, args := v.Expr()
	if op != cue.OrOp {
		return nil, def
	}
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values, def
}

// yamlPosition prefers a position in the user's file over one in the schema.
func yamlPosition(err cueerrors.Error) (line, column int) {
	for _, p := range cueerrors.Positions(err) {
		if p.Filename() == configFilename {
			return p.Line(), p.Column()
		}
	}
	return 0, 0
}

// normalizePath drops the leading #Config definition.
func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}

func last(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		p = p[i+1:]
	}
	if _, err := strconv.Atoi(p); err == nil {
		return ""
	}
	return p
}
