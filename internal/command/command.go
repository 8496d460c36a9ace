// Package command builds tools/call arguments from loosely typed input.
//
// The worker's argument parser is strict about a few keys: numeric keys must
// be JSON numbers, and the boolean-like keys are expected as JSON booleans
// from the text command line but as "true"/"false" strings from structured
// callers. The rules live in one table so both encoders agree on which key
// is which.
package command

import (
	"errors"
	"math"
	"strconv"
	"strings"
)

// DefaultSelector targets every light.
const DefaultSelector = "all"

// ErrEmptyCommand is returned for a command line with no tool name.
var ErrEmptyCommand = errors.New("command is required")

// Rule says how a parameter value is coerced.
type Rule int

const (
	RuleString Rule = iota
	RuleNumber
	RuleBool
)

// rules is the normalization table shared by both encoders.
var rules = map[string]Rule{
	"duration":   RuleNumber,
	"cycles":     RuleNumber,
	"brightness": RuleNumber,
	"period":     RuleNumber,
	"kelvin":     RuleNumber,
	"fast":       RuleBool,
	"persist":    RuleBool,
	"power_on":   RuleBool,
}

// boolFallback is the structured value used when a boolean key holds neither
// a bool nor a string.
var boolFallback = map[string]string{
	"fast":     "false",
	"persist":  "false",
	"power_on": "true",
}

// RuleFor returns the coercion rule for key.
func RuleFor(key string) Rule {
	return rules[key]
}

// Command is a tool name plus its arguments, ready for a tools/call request.
type Command struct {
	ToolName  string         `json:"toolName"`
	Arguments map[string]any `json:"arguments"`
}

// EncodeTextCommand parses "tool key:value key:value ...". Tokens without a
// colon are ignored; a value may itself contain colons.
func EncodeTextCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, ErrEmptyCommand
	}
	cmd := Command{ToolName: fields[0], Arguments: map[string]any{}}
	for _, tok := range fields[1:] {
		key, value, ok := strings.Cut(tok, ":")
		if !ok || key == "" {
			continue
		}
		switch RuleFor(key) {
		case RuleNumber:
			if f, ok := parseNumber(value); ok {
				cmd.Arguments[key] = f
			} else {
				cmd.Arguments[key] = value
			}
		case RuleBool:
			cmd.Arguments[key] = strings.EqualFold(value, "true")
		default:
			cmd.Arguments[key] = value
		}
	}
	return cmd, nil
}

// EncodeToolCallParameters normalizes a structured parameter map. The input
// is not modified.
func EncodeToolCallParameters(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for key, value := range params {
		if key == "cycles" && value == "infinite" {
			continue
		}
		switch RuleFor(key) {
		case RuleNumber:
			if s, ok := value.(string); ok {
				if f, ok := parseNumber(s); ok {
					out[key] = f
					continue
				}
			}
			out[key] = value
		case RuleBool:
			switch v := value.(type) {
			case bool:
				out[key] = strconv.FormatBool(v)
			case string:
				out[key] = strconv.FormatBool(strings.EqualFold(v, "true"))
			default:
				out[key] = boolFallback[key]
			}
		default:
			out[key] = value
		}
	}
	if s, ok := out["selector"]; !ok || s == nil || s == "" {
		out["selector"] = DefaultSelector
	}
	return out
}

// parseNumber accepts finite floats only; NaN and Inf cannot be sent as JSON.
func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
