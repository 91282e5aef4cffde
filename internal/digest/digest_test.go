package digest

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsKeyOrderIndependent(t *testing.T) {
	var a, b map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"a":1,"b":2}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"b":2,"a":1}`), &b))

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestCanonicalForm(t *testing.T) {
	type payload struct {
		Zeta  string         `json:"zeta"`
		Alpha map[string]any `json:"alpha"`
	}

	data, err := Canonical(payload{Zeta: "<tag>", Alpha: map[string]any{"y": 1.5, "x": []any{"b", "a"}}})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha": {"x": ["b", "a"], "y": 1.5}, "zeta": "<tag>"}`, string(data))
}

func TestCanonicalKeepsLargeIntegers(t *testing.T) {
	data, err := Canonical(map[string]any{"n": json.Number("12345678901234567890")})
	require.NoError(t, err)
	assert.Equal(t, `{"n": 12345678901234567890}`, string(data))
}

// Vectors produced by Python's json.dumps(payload, sort_keys=True).
func TestHashMatchesSortedJSONDumps(t *testing.T) {
	tests := []struct {
		name      string
		payload   string
		canonical string
		hash      string
	}{
		{
			name:      "flat object",
			payload:   `{"b":2,"a":1}`,
			canonical: `{"a": 1, "b": 2}`,
			hash:      "d8497d9d82770a70729261095aa98f7ef5154d7af499f8037b6ca250296785a6",
		},
		{
			name:      "escapes and nesting",
			payload:   `{"name":"café","emoji":"😀","path":"a/b<c>","ctl":"line\n\u0001","nested":{"z":[1,2.5,null,true],"a":{}},"list":[]}`,
			canonical: `{"ctl": "line\n\u0001", "emoji": "\ud83d\ude00", "list": [], "name": "caf\u00e9", "nested": {"a": {}, "z": [1, 2.5, null, true]}, "path": "a/b<c>"}`,
			hash:      "174756dc2fdcacd3944f7671753e570c549d007f9c9bdf188c2ff7f87b397d08",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := json.NewDecoder(strings.NewReader(tt.payload))
			dec.UseNumber()
			var payload any
			require.NoError(t, dec.Decode(&payload))

			data, err := Canonical(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.canonical, string(data))

			hash, err := Hash(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.hash, hash)
		})
	}
}

func TestHashDiffersOnContent(t *testing.T) {
	h1, err := Hash(map[string]any{"a": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestSum(t *testing.T) {
	// sha256("")
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sum(nil))
}

func TestHashRejectsUnserializable(t *testing.T) {
	_, err := Hash(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}
