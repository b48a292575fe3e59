package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateUnmarshalLayouts(t *testing.T) {
	cases := map[string]string{
		`"2024-09-01"`:                "2024-09-01",
		`"2024-09-01T23:30:00Z"`:      "2024-09-01",
		`"2024-09-01T10:00:00+07:00"`: "2024-09-01",
	}
	for input, want := range cases {
		var d Date
		require.NoError(t, json.Unmarshal([]byte(input), &d), input)
		assert.Equal(t, want, d.String(), input)
	}
}

func TestDateUnmarshalEmpty(t *testing.T) {
	for _, input := range []string{`null`, `""`} {
		var d Date
		require.NoError(t, json.Unmarshal([]byte(input), &d))
		assert.True(t, d.IsZero())
	}
}

func TestDateUnmarshalRejectsGarbage(t *testing.T) {
	var d Date
	assert.Error(t, json.Unmarshal([]byte(`"01/09/2024"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`20240901`), &d))
}

func TestDateMarshal(t *testing.T) {
	out, err := json.Marshal(struct {
		D Date `json:"d"`
		Z Date `json:"z"`
	}{D: NewDate(time.Date(2024, 9, 1, 15, 0, 0, 0, time.UTC))})
	require.NoError(t, err)
	assert.JSONEq(t, `{"d":"2024-09-01","z":null}`, string(out))
}

func TestDateScanAndValue(t *testing.T) {
	var d Date
	require.NoError(t, d.Scan(time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "2024-09-01", d.String())

	require.NoError(t, d.Scan([]byte("2023-01-15 00:00:00+00:00")))
	assert.Equal(t, "2023-01-15", d.String())

	assert.Error(t, d.Scan(42))

	v, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "2023-01-15", v)

	v, err = Date{}.Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}
