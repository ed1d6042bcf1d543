package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"critical", PriorityCritical, false},
		{"HIGH", PriorityHigh, false},
		{" bulk ", PriorityBulk, false},
		{"", DefaultPriority, false},
		{"urgent", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestPriorityText(t *testing.T) {
	var v struct {
		Priority Priority `json:"priority"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"priority":"low"}`), &v))
	assert.Equal(t, PriorityLow, v.Priority)

	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"priority":"low"}`, string(out))

	assert.Equal(t, "priority(7)", Priority(7).String())
	_, err = Priority(7).MarshalText()
	assert.Error(t, err)
}
