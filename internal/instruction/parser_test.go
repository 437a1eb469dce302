package instruction

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/dispatchd/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func TestParseMalformedFallsBackToRespond(t *testing.T) {
	tests := []string{
		"not json at all",
		"",
		"{ broken json",
		`{"unrelated": true}`,
		`[1, 2, 3]`,
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			got := Parse(raw)
			require.Len(t, got, 1)
			assert.Equal(t, ActionRespond, got[0].Action)
			assert.Equal(t, raw, got[0].Response)
			assert.True(t, got[0].Execute)
			assert.Equal(t, 5, got[0].Priority)
		})
	}
}

func TestParseSingleObject(t *testing.T) {
	got := Parse(`{"action":"schedule","service":"memory","worker":"memorySync","schedule":"0 * * * *","priority":7}`)

	require.Len(t, got, 1)
	assert.Equal(t, ActionSchedule, got[0].Action)
	assert.Equal(t, "memory", got[0].Service)
	assert.Equal(t, "memorySync", got[0].Worker.Name)
	assert.Equal(t, "0 * * * *", got[0].Schedule)
	assert.Equal(t, 7, got[0].Priority)
	assert.True(t, got[0].Execute)
}

func TestParseArray(t *testing.T) {
	raw := `[
		{"action":"respond","response":"hi","priority":9},
		{"action":"execute","service":"memory","parameters":{"key":"k","value":"v"}},
		"stray string",
		{"note":"no action and no response"}
	]`
	got := Parse(raw)

	require.Len(t, got, 2)
	assert.Equal(t, ActionRespond, got[0].Action)
	assert.Equal(t, 9, got[0].Priority)
	assert.Equal(t, ActionExecute, got[1].Action)
	assert.Equal(t, "k", got[1].Param("key"))
	assert.Equal(t, 5, got[1].Priority)
}

func TestParsePreambleAndFence(t *testing.T) {
	raw := "Sure, I'll set that up for you.\n```json\n{\"action\":\"respond\",\"response\":\"done\"}\n```\nAnything else?"
	parsed := ParseWithPreamble(raw)

	assert.False(t, parsed.Fallback)
	assert.Equal(t, "Sure, I'll set that up for you.", parsed.Preamble)
	require.Len(t, parsed.Instructions, 1)
	assert.Equal(t, "done", parsed.Instructions[0].Response)
}

func TestParseSkipsUndecodableCandidates(t *testing.T) {
	raw := `Use {braces} carefully. [{"action":"delegate","worker":"echo","parameters":{"text":"a } b"}}]`
	parsed := ParseWithPreamble(raw)

	require.Len(t, parsed.Instructions, 1)
	assert.Equal(t, ActionDelegate, parsed.Instructions[0].Action)
	assert.Equal(t, "a } b", parsed.Instructions[0].Param("text"))
	assert.Equal(t, "Use {braces} carefully.", parsed.Preamble)
}

func TestParseScansPastJSONWithoutInstructions(t *testing.T) {
	raw := `Done [1]. {"action":"schedule","worker":"memorySync","schedule":"0 * * * *"}`
	parsed := ParseWithPreamble(raw)

	assert.False(t, parsed.Fallback)
	require.Len(t, parsed.Instructions, 1)
	assert.Equal(t, ActionSchedule, parsed.Instructions[0].Action)
	assert.Equal(t, "memorySync", parsed.Instructions[0].Worker.Name)
	assert.Equal(t, "Done [1].", parsed.Preamble)
}

func TestParseKeepsBackticksInsideStrings(t *testing.T) {
	raw := "```json\n{\"action\":\"respond\",\"response\":\"Run:\\n```sh\\nmake\\n```\"}\n```"
	parsed := ParseWithPreamble(raw)

	assert.False(t, parsed.Fallback)
	require.Len(t, parsed.Instructions, 1)
	assert.Equal(t, "Run:\n```sh\nmake\n```", parsed.Instructions[0].Response)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int
	}{
		{name: "in range", raw: `{"action":"respond","priority":3}`, want: 3},
		{name: "upper bound", raw: `{"action":"respond","priority":10}`, want: 10},
		{name: "too high", raw: `{"action":"respond","priority":11}`, want: 5},
		{name: "zero", raw: `{"action":"respond","priority":0}`, want: 5},
		{name: "negative", raw: `{"action":"respond","priority":-2}`, want: 5},
		{name: "string", raw: `{"action":"respond","priority":"8"}`, want: 8},
		{name: "fractional", raw: `{"action":"respond","priority":7.5}`, want: 5},
		{name: "missing", raw: `{"action":"respond"}`, want: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Priority)
		})
	}
}

func TestParseWorkerShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "string", raw: `{"action":"delegate","worker":"echo"}`, want: "echo"},
		{name: "workerName", raw: `{"action":"delegate","worker":{"workerName":"memorySync"}}`, want: "memorySync"},
		{name: "name", raw: `{"action":"delegate","worker":{"name":"memoryPrune"}}`, want: "memoryPrune"},
		{name: "work", raw: `{"action":"delegate","worker":{"work":"echo"}}`, want: "echo"},
		{name: "absent", raw: `{"action":"delegate"}`, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.raw)
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0].Worker.Name)
		})
	}
}

func TestParseExecuteFlag(t *testing.T) {
	assert.False(t, Parse(`{"action":"execute","execute":false}`)[0].Execute)
	assert.False(t, Parse(`{"action":"execute","execute":"false"}`)[0].Execute)
	assert.True(t, Parse(`{"action":"execute"}`)[0].Execute)
}

func TestParseMissingActionWithResponse(t *testing.T) {
	got := Parse(`{"response":"just text"}`)
	require.Len(t, got, 1)
	assert.Equal(t, ActionRespond, got[0].Action)
	assert.Equal(t, "just text", got[0].Response)
}

func TestParseKeepsUnknownActions(t *testing.T) {
	got := Parse(`{"action":"Bogus"}`)
	require.Len(t, got, 1)
	assert.Equal(t, Action("bogus"), got[0].Action)
	assert.False(t, got[0].Action.Valid())
}

func TestWorkerRefJSON(t *testing.T) {
	var in Instruction
	require.NoError(t, json.Unmarshal([]byte(`{"action":"delegate","worker":{"name":"echo"}}`), &in))
	assert.Equal(t, "echo", in.Worker.Name)

	out, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"worker":"echo"`)

	out, err = json.Marshal(Respond("x"))
	require.NoError(t, err)
	assert.NotContains(t, string(out), "worker")
}

func TestNormalizePriority(t *testing.T) {
	assert.Equal(t, 1, NormalizePriority(1, 5))
	assert.Equal(t, 4, NormalizePriority(0, 4))
	assert.Equal(t, 4, NormalizePriority(42, 4))
}
