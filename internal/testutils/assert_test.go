package testutils

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recordingT struct {
	failures []string
}

func (r *recordingT) Helper() {}
func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failures = append(r.failures, fmt.Sprintf(format, args...))
}

func TestJSONAsserter(t *testing.T) {
	tests := []struct {
		name     string
		opts     []JSONOption
		actual   string
		expected string
		match    bool
	}{
		{"equal", nil, `{"a":1}`, `{"a":1}`, true},
		{"extra keys ignored by default", nil, `{"a":1,"b":2}`, `{"a":1}`, true},
		{"extra keys reported", []JSONOption{WithIgnoreExtraKeys(false)}, `{"a":1,"b":2}`, `{"a":1}`, false},
		{"value mismatch", nil, `{"a":1}`, `{"a":2}`, false},
		{"presence placeholder", nil, `{"ts":"2024-05-01T12:00:00Z"}`, `{"ts":"<<PRESENCE>>"}`, true},
		{"presence placeholder requires key", nil, `{}`, `{"ts":"<<PRESENCE>>"}`, false},
		{"ignored fields at any depth", []JSONOption{WithIgnoredFields("timestamp")},
			`{"d":{"timestamp":1,"v":2}}`, `{"d":{"timestamp":9,"v":2}}`, true},
		{"root arrays", nil, `[{"id":"a"},{"id":"b"}]`, `[{"id":"a"},{"id":"b"}]`, true},
		{"array order matters", nil, `["b","a"]`, `["a","b"]`, false},
		{"array order ignored", []JSONOption{WithIgnoreArrayOrder(true)}, `["b","a"]`, `["a","b"]`, true},
		{"invalid actual", nil, `{`, `{}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recordingT{}
			got := NewJSONAsserter(rec, tt.opts...).Assert(tt.actual, tt.expected)
			assert.Equal(t, tt.match, got)
			assert.Equal(t, !tt.match, len(rec.failures) > 0, "a mismatch MUST be reported")
		})
	}
}

func TestTextAsserter(t *testing.T) {
	rec := &recordingT{}
	ta := NewTextAsserter(rec)

	assert.True(t, ta.Assert("a  \nb\n\n", "a\nb"), "trailing whitespace MUST be ignored by default")
	assert.False(t, ta.Assert("a\nc", "a\nb"))
	assert.Len(t, rec.failures, 1)
	assert.Contains(t, rec.failures[0], "-b")
	assert.Contains(t, rec.failures[0], "+c")

	assert.True(t, NewTextAsserter(rec, WithIgnoreEmptyLines(true)).Assert("a\n\nb", "a\nb"))
	assert.False(t, NewTextAsserter(rec, WithTrimSpace(false)).Assert("\na", "a"))

	colored := NewTextAsserter(rec, WithEnableColors(true)).Diff("a b", "a")
	assert.Contains(t, colored, "a·b", "whitespace in changed lines MUST be visible")
}
