package instruction

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattjoyce/dispatchd/internal/log"
)

// Fences are only recognized at line edges so backticks inside JSON strings
// survive.
var (
	openFencePattern  = regexp.MustCompile("(?m)^[ \t]*```[A-Za-z0-9_-]*")
	closeFencePattern = regexp.MustCompile("(?m)```[ \t]*$")
)

// Parsed is the full parse outcome.
type Parsed struct {
	Instructions []Instruction `json:"instructions"`
	// Preamble is any prose before the JSON payload.
	Preamble string `json:"preamble,omitempty"`
	// Fallback is set when no usable JSON was found and the raw text was
	// wrapped in a single respond instruction.
	Fallback bool `json:"fallback,omitempty"`
}

// Parse extracts instructions from raw model output. It never fails: output
// without usable JSON yields a single respond instruction carrying raw.
func Parse(raw string) []Instruction {
	return ParseWithPreamble(raw).Instructions
}

func ParseWithPreamble(raw string) Parsed {
	text := stripFences(raw)

	start, instructions, sawJSON := extractInstructions(text)
	if len(instructions) == 0 {
		if !sawJSON {
			return fallback(raw, "no json found")
		}
		return fallback(raw, "no usable instructions")
	}

	return Parsed{
		Instructions: instructions,
		Preamble:     strings.TrimSpace(text[:start]),
	}
}

func fallback(raw, reason string) Parsed {
	log.WithComponent("parser").Debug("model output degraded to respond",
		"reason", reason,
		"output", log.Summary(raw, 120),
	)
	return Parsed{Instructions: []Instruction{Respond(raw)}, Fallback: true}
}

func stripFences(raw string) string {
	text := openFencePattern.ReplaceAllString(raw, "")
	return closeFencePattern.ReplaceAllString(text, "")
}

// extractInstructions returns the first balanced object or array in text that
// decodes into at least one instruction, along with its byte offset. sawJSON
// reports whether any candidate decoded as JSON at all.
func extractInstructions(text string) (start int, instructions []Instruction, sawJSON bool) {
	from := 0
	for from < len(text) {
		idx := strings.IndexAny(text[from:], "{[")
		if idx < 0 {
			break
		}
		start = from + idx

		if end, ok := matchBracket(text, start); ok {
			var v any
			if err := json.Unmarshal([]byte(text[start:end]), &v); err == nil {
				sawJSON = true
				if instructions = decode(v); len(instructions) > 0 {
					return start, instructions, true
				}
			}
		}
		from = start + 1
	}
	return 0, nil, sawJSON
}

// matchBracket scans from an opening bracket to its matching close, skipping
// string literals. It returns the offset just past the close.
func matchBracket(text string, start int) (int, bool) {
	depth := 0
	inString := false
	escape := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

func decode(v any) []Instruction {
	switch t := v.(type) {
	case map[string]any:
		if in, ok := fromMap(t); ok {
			return []Instruction{in}
		}
	case []any:
		out := make([]Instruction, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if in, ok := fromMap(m); ok {
				out = append(out, in)
			}
		}
		return out
	}
	return nil
}

// fromMap coerces one decoded object. Objects with no action become respond
// instructions when they carry a response and are skipped otherwise.
func fromMap(m map[string]any) (Instruction, bool) {
	in := Instruction{
		Action:   Action(strings.ToLower(coerceString(m["action"]))),
		Service:  coerceString(m["service"]),
		Response: coerceString(m["response"]),
		Execute:  coerceBool(m["execute"], true),
		Worker:   WorkerRef{Name: workerName(m["worker"])},
		Schedule: coerceString(m["schedule"]),
		Priority: NormalizePriority(coerceInt(m["priority"]), DefaultPriority),
	}
	if params, ok := m["parameters"].(map[string]any); ok {
		in.Parameters = params
	}

	if in.Action == "" {
		if in.Response == "" {
			return Instruction{}, false
		}
		in.Action = ActionRespond
	}
	return in, true
}

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64, bool, int, int64:
		return fmt.Sprintf("%v", t)
	default:
		return ""
	}
}

func coerceBool(v any, def bool) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(strings.TrimSpace(t)); err == nil {
			return b
		}
	case float64:
		return t != 0
	}
	return def
}

// coerceInt returns 0 for anything that is not a whole number.
func coerceInt(v any) int {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) || math.IsNaN(t) {
			return 0
		}
		return int(t)
	case int:
		return t
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return n
		}
	}
	return 0
}
