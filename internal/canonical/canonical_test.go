package canonical

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := Marshal(map[string]interface{}{
		"zebra": 1,
		"alpha": map[string]interface{}{"b": 2, "a": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":{"a":1,"b":2},"zebra":1}`, string(out))
}

func TestHashDeterministic(t *testing.T) {
	payload := map[string]interface{}{"version": "v1", "rules": []string{"a", "b"}}
	h1, err := Hash(payload)
	require.NoError(t, err)
	h2, err := Hash(payload)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashDiffersOnChange(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"reason": "allow"})
	require.NoError(t, err)
	h2, err := Hash(map[string]interface{}{"reason": "allpw"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestTimestampFormat(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589_000_000, time.UTC)
	assert.Equal(t, "2026-03-14T09:26:53.589Z", Timestamp(ts))

	// Non-UTC inputs normalize to UTC.
	loc := time.FixedZone("plus2", 2*3600)
	assert.Equal(t, "2026-03-14T09:26:53.589Z", Timestamp(ts.In(loc)))
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t,
		"1beb5e70c091dabb9bd7ef19b7cb4a81620683e3a2e54877228fa3ab5ed0e0c1",
		HashBytes([]byte("no-genes")))
}
