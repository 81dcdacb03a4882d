package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLine_MalformedRecordsSyntheticError(t *testing.T) {
	p := ParseLine("not json at all")
	assert.Equal(t, TypeError, p.EventType)
	assert.Equal(t, "not json at all", p.RawData)
}

func TestParseLine_UnknownTypeFallsBackToError(t *testing.T) {
	p := ParseLine(`{"type":"something_new"}`)
	assert.Equal(t, TypeError, p.EventType)
}

func TestParseLine_ExtractsSessionID(t *testing.T) {
	p := ParseLine(`{"type":"system","session_id":"sess-123"}`)
	assert.Equal(t, TypeSystem, p.EventType)
	assert.Equal(t, "sess-123", p.SessionID)
}

func TestParseLine_ResultStructuredPRNumber(t *testing.T) {
	p := ParseLine(`{"type":"result","result":{"pr_number":99}}`)
	assert.Equal(t, TypeResult, p.EventType)
	assert.True(t, p.PRNumberFound)
	assert.Equal(t, 99, p.PRNumber)
	assert.False(t, p.PRNumberViaRegex)
}

func TestParseLine_ResultRegexFallback(t *testing.T) {
	p := ParseLine(`{"type":"result","result":{"text":"Successfully ran pr create: opened #42"}}`)
	assert.Equal(t, TypeResult, p.EventType)
	assert.True(t, p.PRNumberFound)
	assert.Equal(t, 42, p.PRNumber)
	assert.True(t, p.PRNumberViaRegex)
}

func TestParseLine_ResultNoPRNumber(t *testing.T) {
	p := ParseLine(`{"type":"result","result":{"text":"nothing to do here"}}`)
	assert.False(t, p.PRNumberFound)
}

func TestParseLine_ToolUseTopLevelSummary(t *testing.T) {
	p := ParseLine(`{"type":"tool_use","name":"bash","input":{"command":"go test ./..."}}`)
	assert.Equal(t, TypeToolUse, p.EventType)
	assert.Equal(t, "[$ go test ./...]", p.Summary)
}

func TestParseLine_AssistantMessageToolUseSummary(t *testing.T) {
	p := ParseLine(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"read","input":{"path":"main.go"}}]}}`)
	assert.Equal(t, TypeAssistant, p.EventType)
	assert.Equal(t, "[Read main.go]", p.Summary)
}

func TestParseLine_CapabilityInvocationSummary(t *testing.T) {
	p := ParseLine(`{"type":"tool_use","name":"invoke_capability","input":{"name":"db-schema"}}`)
	assert.Equal(t, "[Capability: db-schema]", p.Summary)
}

func TestParseLine_EmptyLine(t *testing.T) {
	p := ParseLine("   ")
	assert.Equal(t, TypeError, p.EventType)
}

type fakeStore struct {
	events   []struct{ agentID, eventType, data string }
	sessions map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[string]string)}
}

func (f *fakeStore) AppendEvent(agentID, eventType, data string) (int64, error) {
	f.events = append(f.events, struct{ agentID, eventType, data string }{agentID, eventType, data})
	return int64(len(f.events)), nil
}

func (f *fakeStore) RecordAgentSession(agentID, sessionID string) error {
	f.sessions[agentID] = sessionID
	return nil
}

func TestSink_RecordsSessionOnlyOnce(t *testing.T) {
	fs := newFakeStore()
	sink := NewSink("agent-1", fs, nil, nil)

	sink.OnStdoutLine(`{"type":"system","session_id":"sess-1"}`)
	sink.OnStdoutLine(`{"type":"assistant","session_id":"sess-2","message":{"content":[]}}`)

	assert.Equal(t, "sess-1", fs.sessions["agent-1"])
	assert.Len(t, fs.events, 2)
}

func TestSink_InvokesOnPRFoundOnce(t *testing.T) {
	fs := newFakeStore()
	var found []int
	sink := NewSink("agent-1", fs, func(n int, viaRegex bool) { found = append(found, n) }, nil)

	sink.OnStdoutLine(`{"type":"result","result":{"pr_number":7}}`)
	assert.Equal(t, []int{7}, found)
}

func TestSink_DetectsRateLimitFromErrorEvent(t *testing.T) {
	fs := newFakeStore()
	var hits []string
	sink := NewSink("agent-1", fs, nil, func(line string) { hits = append(hits, line) })

	sink.OnStdoutLine(`{"type":"error","message":"rate limit exceeded, please retry"}`)
	assert.Len(t, hits, 1)
}

func TestSink_DetectsRateLimitFromStderr(t *testing.T) {
	fs := newFakeStore()
	var hits []string
	sink := NewSink("agent-1", fs, nil, func(line string) { hits = append(hits, line) })

	sink.OnStderrLine("Error: 429 too many requests")
	assert.Len(t, hits, 1)
}

func TestSink_IgnoresNonRateLimitStderr(t *testing.T) {
	fs := newFakeStore()
	var hits []string
	sink := NewSink("agent-1", fs, nil, func(line string) { hits = append(hits, line) })

	sink.OnStderrLine("some ordinary log line")
	assert.Len(t, hits, 0)
}
