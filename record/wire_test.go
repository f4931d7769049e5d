package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToWire_Deterministic(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	r := Build("openai:chat", map[string]any{
		"zebra": 1,
		"alpha": 2,
		"mid":   3,
	}, BuildOptions{ResponseID: "resp-1", Timestamp: ts})

	b1, err := ToWire(r)
	require.NoError(t, err)
	b2, err := ToWire(r)
	require.NoError(t, err)
	assert.Equal(t, string(b1), string(b2))
	assert.Contains(t, string(b1), `"alpha":2`)

	idxAlpha := indexOf(string(b1), `"alpha"`)
	idxMid := indexOf(string(b1), `"mid"`)
	idxZebra := indexOf(string(b1), `"zebra"`)
	assert.True(t, idxAlpha < idxMid && idxMid < idxZebra, "usage keys should be sorted")
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestToWire_FromWire_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	r := Build("openai:chat", map[string]any{"input_tokens": float64(10)}, BuildOptions{
		ResponseID:  "resp-2",
		Timestamp:   ts,
		CustomerKey: "cust-9",
		Context:     map[string]any{"env": "prod"},
		APIID:       "api-9",
	})

	wire, err := ToWire(r)
	require.NoError(t, err)

	back, err := FromWire(wire)
	require.NoError(t, err)

	assert.Equal(t, r.ServiceKey, back.ServiceKey)
	assert.Equal(t, r.ResponseID, back.ResponseID)
	assert.Equal(t, r.Timestamp, back.Timestamp)
	assert.Equal(t, r.CustomerKey, back.CustomerKey)
	assert.Equal(t, r.APIID, back.APIID)
	assert.Equal(t, r.Usage["input_tokens"], back.Usage["input_tokens"])
	assert.Equal(t, r.Context["env"], back.Context["env"])
}

type mockVendorObject struct {
	attrs map[string]any
}

func (m *mockVendorObject) AICMDynamicStub() {}

func TestReduce_DynamicMockBecomesEmptyObject(t *testing.T) {
	m := &mockVendorObject{attrs: map[string]any{"anything": "goes"}}
	out := Reduce(map[string]any{"mock": m})

	asMap, ok := out.(map[string]any)
	require.True(t, ok)
	mockOut, ok := asMap["mock"].(map[string]any)
	require.True(t, ok)
	assert.Empty(t, mockOut)
}

func TestReduce_CycleDetection(t *testing.T) {
	cyclic := map[string]any{}
	cyclic["self"] = cyclic

	out := Reduce(cyclic)
	asMap, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "<cycle>", asMap["self"])
}

func TestReduce_RegisteredSerializer(t *testing.T) {
	type vendorUsage struct {
		InputTokens  int
		OutputTokens int
	}
	RegisterSerializer(vendorUsage{}, func(v any) (any, error) {
		vu := v.(vendorUsage)
		return map[string]any{
			"input_tokens":  vu.InputTokens,
			"output_tokens": vu.OutputTokens,
		}, nil
	})

	out := Reduce(vendorUsage{InputTokens: 5, OutputTokens: 7})
	asMap, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 5, asMap["input_tokens"])
	assert.Equal(t, 7, asMap["output_tokens"])
}

func TestReduce_StructFallsBackToExportedFields(t *testing.T) {
	type plain struct {
		Visible string
		hidden  string //nolint:unused
	}
	out := Reduce(plain{Visible: "yes", hidden: "no"})
	asMap, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "yes", asMap["Visible"])
	_, hasHidden := asMap["hidden"]
	assert.False(t, hasHidden)
}

func TestToWireBatch_Envelope(t *testing.T) {
	r1 := Build("svc", map[string]any{"a": 1}, BuildOptions{ResponseID: "r1", Timestamp: time.Now()})
	r2 := Build("svc", map[string]any{"b": 2}, BuildOptions{ResponseID: "r2", Timestamp: time.Now()})

	b, err := ToWireBatch(Batch{r1, r2})
	require.NoError(t, err)

	var envelope struct {
		Records []json.RawMessage `json:"records"`
	}
	require.NoError(t, json.Unmarshal(b, &envelope))
	assert.Len(t, envelope.Records, 2)
}
