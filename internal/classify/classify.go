// Package classify turns raw worker output into typed lines.
//
// The worker writes unstructured log text and JSON-RPC responses to the same
// pipes, and pipe reads do not align with line boundaries. A Splitter per
// stream reassembles lines; a Classifier decides what each line is.
package classify

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/ilocn/mcpman/internal/logbuf"
)

// Stream identifies which worker pipe a line came from.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Kind is the classification of a single line.
type Kind int

const (
	KindBlank     Kind = iota // whitespace only, ignored
	KindTagged                // carries the worker tag, logged without it
	KindReady                 // tagged line announcing readiness
	KindResponse              // JSON object with an id or jsonrpc key
	KindPlain                 // anything else
	KindMalformed             // looked like JSON but did not parse
)

func (k Kind) String() string {
	switch k {
	case KindBlank:
		return "blank"
	case KindTagged:
		return "tagged"
	case KindReady:
		return "ready"
	case KindResponse:
		return "response"
	case KindPlain:
		return "plain"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Line is a classified output line.
type Line struct {
	Kind   Kind
	Stream Stream
	// Text is the line to log: the tag is stripped for tagged lines, other
	// kinds carry the trimmed raw line.
	Text  string
	Level logbuf.Level
	// Raw holds the JSON object for KindResponse.
	Raw json.RawMessage
	// Err is the decode failure for KindMalformed.
	Err error
}

// Classifier holds the worker-specific string contract.
type Classifier struct {
	// Tag marks the worker's own log lines, e.g. "[LIFX MCP]".
	Tag string
	// ReadyPhrase appears in the tagged line the worker prints once it
	// accepts calls.
	ReadyPhrase string
}

// Classify inspects one complete line (without its newline).
func (c Classifier) Classify(stream Stream, line string) Line {
	trimmed := strings.TrimSpace(line)
	out := Line{Stream: stream, Text: trimmed, Level: plainLevel(stream)}
	if trimmed == "" {
		out.Kind = KindBlank
		return out
	}

	if c.Tag != "" && strings.Contains(trimmed, c.Tag) {
		out.Text = strings.TrimSpace(strings.Replace(trimmed, c.Tag, "", 1))
		out.Level = logbuf.LevelInfo
		out.Kind = KindTagged
		if c.ReadyPhrase != "" && strings.Contains(out.Text, c.ReadyPhrase) {
			out.Kind = KindReady
		}
		return out
	}

	if trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &fields); err != nil {
			out.Kind = KindMalformed
			out.Err = err
			return out
		}
		if _, ok := fields["id"]; ok {
			out.Kind = KindResponse
		} else if _, ok := fields["jsonrpc"]; ok {
			out.Kind = KindResponse
		}
		if out.Kind == KindResponse {
			out.Raw = json.RawMessage(trimmed)
			return out
		}
	}

	out.Kind = KindPlain
	return out
}

func plainLevel(s Stream) logbuf.Level {
	if s == Stderr {
		return logbuf.LevelError
	}
	return logbuf.LevelInfo
}

// Splitter reassembles newline-terminated lines from arbitrary chunks.
// It is not safe for concurrent use; the supervisor owns one per stream.
type Splitter struct {
	partial []byte
}

// Feed appends chunk and returns every line it completes, without the
// trailing "\n" or "\r\n". An unterminated tail is kept for the next call.
func (s *Splitter) Feed(chunk []byte) []string {
	var lines []string
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			s.partial = append(s.partial, chunk...)
			break
		}
		var line []byte
		if len(s.partial) > 0 {
			line = append(s.partial, chunk[:i]...)
			s.partial = nil
		} else {
			line = chunk[:i]
		}
		lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
		chunk = chunk[i+1:]
	}
	return lines
}

// Flush returns the buffered unterminated tail, if any, and resets it.
// Call it once the stream hits EOF.
func (s *Splitter) Flush() (string, bool) {
	if len(s.partial) == 0 {
		return "", false
	}
	line := string(bytes.TrimSuffix(s.partial, []byte{'\r'}))
	s.partial = nil
	return line, true
}

// Pending reports how many bytes are waiting for a newline.
func (s *Splitter) Pending() int {
	return len(s.partial)
}
