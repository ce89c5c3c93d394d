package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKernelStatusMarshalJSON(t *testing.T) {
	tests := []struct {
		status   KernelStatus
		expected string
	}{
		{Unknown, `"unknown"`},
		{Starting, `"starting"`},
		{Idle, `"idle"`},
		{Busy, `"busy"`},
		{Dead, `"dead"`},
		{KernelStatus(42), `"unknown"`},
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.status)
		require.NoError(t, err)
		assert.Equal(t, tt.expected, string(data))
	}
}

func TestKernelStatusUnmarshalJSON(t *testing.T) {
	var s KernelStatus
	require.NoError(t, json.Unmarshal([]byte(`"busy"`), &s))
	assert.Equal(t, Busy, s)

	require.NoError(t, json.Unmarshal([]byte(`"nonsense"`), &s))
	assert.Equal(t, Unknown, s)

	assert.Error(t, json.Unmarshal([]byte(`3`), &s))
}

func TestParseKernelStatus(t *testing.T) {
	tests := []struct {
		in   string
		want KernelStatus
	}{
		{"idle", Idle},
		{"busy", Busy},
		{"starting", Starting},
		{"restarting", Starting},
		{"autorestarting", Starting},
		{"dead", Dead},
		{" Idle ", Idle},
		{"", Unknown},
		{"connected", Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseKernelStatus(tt.in))
		})
	}
}

func TestSnapshotEqualIgnoresCapturedAt(t *testing.T) {
	a := Snapshot{SessionID: "s1", Status: Idle, CapturedAt: time.Now()}
	b := Snapshot{SessionID: "s1", Status: Idle, CapturedAt: a.CapturedAt.Add(time.Minute)}
	assert.True(t, a.Equal(b))

	assert.False(t, a.Equal(Snapshot{SessionID: "s1", Status: Busy}))
	assert.False(t, a.Equal(Snapshot{SessionID: "s2", Status: Idle}))
}

func TestSnapshotHasSession(t *testing.T) {
	assert.False(t, Snapshot{}.HasSession())
	assert.True(t, Snapshot{SessionID: "s1"}.HasSession())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrTransientUnavailable, "unavailable"},
		{ErrNotFound, "not_found"},
		{ErrMalformed, "malformed"},
		{assert.AnError, "other"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err))
	}
}
