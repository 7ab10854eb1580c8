package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSSortsKeys(t *testing.T) {
	out, err := JCSString(map[string]any{"b": 2, "a": 1, "c": []any{true, nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":[true,null]}`, out)
}

func TestJCSNumberFormatting(t *testing.T) {
	out, err := JCSString(map[string]any{"x": 1.0, "y": 0.5})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1,"y":0.5}`, out)
}

func TestHashStableUnderKeyOrder(t *testing.T) {
	a := map[string]any{"goal": "summarize", "risk": "low", "nested": map[string]any{"k1": 1, "k2": 2}}
	b := map[string]any{"nested": map[string]any{"k2": 2, "k1": 1}, "risk": "low", "goal": "summarize"}

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestHashDistinguishesValues(t *testing.T) {
	ha, err := Hash(map[string]any{"x": 1})
	require.NoError(t, err)
	hb, err := Hash(map[string]any{"x": 2})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)
}

func TestJCSRejectsUnmarshalable(t *testing.T) {
	_, err := JCS(map[string]any{"f": func() {}})
	require.Error(t, err)
}
