package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter *PathFilter
		path   string
		want   bool
	}{
		{"nil filter", nil, "work/a.ipynb", true},
		{"zero value", &PathFilter{}, "work/a.ipynb", true},
		{"empty path", &PathFilter{AllowedPaths: []string{"work"}}, "", true},
		{"allowed parent", &PathFilter{AllowedPaths: []string{"work"}}, "work/deep/a.ipynb", true},
		{"not allowed", &PathFilter{AllowedPaths: []string{"work"}}, "scratch/a.ipynb", false},
		{"blocked glob", &PathFilter{BlockedPaths: []string{"tmp/*"}}, "tmp/x/a.ipynb", false},
		{"allowed then blocked", &PathFilter{AllowedPaths: []string{"work"}, BlockedPaths: []string{"work/secret"}}, "work/secret/a.ipynb", false},
		{"absolute", &PathFilter{BlockedPaths: []string{"/tmp"}}, "/tmp/a.ipynb", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.IsAllowed(tt.path))
		})
	}
}

func TestPathFilterIsNoop(t *testing.T) {
	var f *PathFilter
	assert.True(t, f.IsNoop())
	assert.True(t, (&PathFilter{}).IsNoop())
	assert.False(t, (&PathFilter{BlockedPaths: []string{"x"}}).IsNoop())
}
