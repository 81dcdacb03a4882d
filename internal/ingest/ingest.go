// Package ingest classifies and parses the agent process's line-delimited
// structured event stream (spec §4.4). It is grounded on the teacher's
// claudecode.ParseStreamJSON (internal/agent/claudecode/stream.go), which
// already walks a similar nested type/subtype/content-block shape, but is
// reworked here into a per-line classifier against the redesigned taxonomy
// that promotes tool_use to a top-level event type and adds
// rate_limit_event, plus the session-id/PR-number/inline-summary
// extraction spec §4.4 requires on top of plain classification.
package ingest

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Event types, mirroring internal/store's taxonomy so callers need not
// import store just to compare constants.
const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeToolUse   = "tool_use"
	TypeUser      = "user"
	TypeResult    = "result"
	TypeError     = "error"
	TypeRateLimit = "rate_limit_event"
)

var knownTypes = map[string]bool{
	TypeSystem: true, TypeAssistant: true, TypeToolUse: true,
	TypeUser: true, TypeResult: true, TypeError: true, TypeRateLimit: true,
}

// Parsed is one classified, extracted event ready for storage.
type Parsed struct {
	EventType string
	RawData   string // the original line, stored verbatim as event_data

	SessionID string // empty if this event carries none

	// PRNumber is set only for result events where a PR number was found.
	PRNumber       int
	PRNumberFound  bool
	PRNumberViaRegex bool // true if the structured field was absent and the regex fallback matched

	// Summary is a short inline description of an assistant event's
	// tool-use or thinking content, e.g. "[$ go test ./...]", "[Read main.go]".
	Summary string
}

// contentBlock mirrors one block within an assistant/user message or a
// result payload.
type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
	Path  string          `json:"path,omitempty"`
}

type rawMessage struct {
	Content []contentBlock `json:"content"`
}

type rawResult struct {
	PRNumber int             `json:"pr_number,omitempty"`
	Text     string          `json:"text,omitempty"`
	Content  []contentBlock  `json:"content,omitempty"`
}

type rawLine struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Name      string          `json:"name,omitempty"` // tool_use at top level
	Input     json.RawMessage `json:"input,omitempty"`
	Text      string          `json:"text,omitempty"`
}

// prFieldPattern is the regex fallback for PR-number extraction when the
// structured result field is absent (spec §9 Open Question): "a final text
// line matching #\d+ in the context of pr create".
var prFieldPattern = regexp.MustCompile(`(?i)pr\s*create[d]?[^\n#]{0,40}#(\d+)`)

// ParseLine classifies and extracts a single line of the agent's
// line-delimited structured output. A line that fails to parse as JSON is
// recorded as a synthetic error event carrying the raw text (spec §4.4
// step 1), never dropped.
func ParseLine(line string) Parsed {
	line = strings.TrimSpace(line)
	if line == "" {
		return Parsed{EventType: TypeError, RawData: line}
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Parsed{EventType: TypeError, RawData: line}
	}

	evtType := raw.Type
	if !knownTypes[evtType] {
		evtType = TypeError
	}

	p := Parsed{EventType: evtType, RawData: line, SessionID: raw.SessionID}

	switch evtType {
	case TypeAssistant, TypeUser:
		p.Summary = summarizeMessage(raw.Message)
	case TypeToolUse:
		p.Summary = summarizeToolUse(raw.Name, raw.Input)
	case TypeResult:
		extractResultDetails(&p, raw.Result, raw.Text)
	}

	return p
}

func summarizeMessage(msg json.RawMessage) string {
	if len(msg) == 0 {
		return ""
	}
	var m rawMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		return ""
	}
	var parts []string
	for _, b := range m.Content {
		switch b.Type {
		case "tool_use":
			parts = append(parts, summarizeToolUse(b.Name, b.Input))
		case "thinking":
			parts = append(parts, "[thinking]")
		case "text":
			// Plain text content contributes no inline summary marker; the
			// full text lives in RawData for anyone reading the event log.
		}
	}
	return strings.Join(parts, " ")
}

func summarizeToolUse(name string, input json.RawMessage) string {
	switch name {
	case "bash", "shell", "run_command":
		return fmt.Sprintf("[$ %s]", firstInputString(input, "command"))
	case "read", "read_file":
		return fmt.Sprintf("[Read %s]", firstInputString(input, "path", "file_path"))
	case "capability", "skill", "invoke_capability":
		return fmt.Sprintf("[Capability: %s]", firstInputString(input, "name"))
	case "":
		return ""
	default:
		return fmt.Sprintf("[%s]", name)
	}
}

func firstInputString(input json.RawMessage, keys ...string) string {
	if len(input) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func extractResultDetails(p *Parsed, resultPayload json.RawMessage, topText string) {
	var res rawResult
	if len(resultPayload) > 0 {
		_ = json.Unmarshal(resultPayload, &res)
	}

	if res.PRNumber > 0 {
		p.PRNumber = res.PRNumber
		p.PRNumberFound = true
		return
	}

	text := res.Text
	if text == "" {
		text = topText
	}
	if text == "" {
		for _, b := range res.Content {
			if b.Type == "text" {
				text += b.Text + "\n"
			}
		}
	}

	if m := prFieldPattern.FindStringSubmatch(text); m != nil {
		var n int
		if _, err := fmt.Sscanf(m[1], "%d", &n); err == nil {
			p.PRNumber = n
			p.PRNumberFound = true
			p.PRNumberViaRegex = true
		}
	}
}
