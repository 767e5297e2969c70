package testutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJSONAsserter_DefaultOptions(t *testing.T) {
	opts := NewJSONAsserter(t).Options()

	assert.True(t, opts.IgnoreExtraKeys, "IgnoreExtraKeys MUST default to true")
	assert.Empty(t, opts.IgnoredFields, "IgnoredFields MUST default to empty")
	assert.Equal(t, -1, opts.Precision, "numbers MUST compare exactly by default")
}

func TestJSONAsserter_Diff(t *testing.T) {
	tests := []struct {
		name     string
		opts     []Option
		actual   string
		expected string
		equal    bool
	}{
		{
			name:     "key order does not matter",
			actual:   `{"b":2,"a":1}`,
			expected: `{"a":1,"b":2}`,
			equal:    true,
		},
		{
			name:     "extra keys ignored by default",
			actual:   `{"state":"stopped","samples":10,"leaked":false}`,
			expected: `{"state":"stopped"}`,
			equal:    true,
		},
		{
			name:     "extra keys reported when strict",
			opts:     []Option{WithIgnoreExtraKeys(false)},
			actual:   `{"state":"stopped","samples":10}`,
			expected: `{"state":"stopped"}`,
			equal:    false,
		},
		{
			name:     "nested extra keys ignored",
			actual:   `{"decoder":{"frames":3,"rejected":0,"discarded_bytes":4}}`,
			expected: `{"decoder":{"frames":3}}`,
			equal:    true,
		},
		{
			name:     "value mismatch",
			actual:   `{"samples":10}`,
			expected: `{"samples":11}`,
			equal:    false,
		},
		{
			name:     "ignored fields dropped on both sides",
			opts:     []Option{WithIgnoreExtraKeys(false), WithIgnoredFields("timestamp")},
			actual:   `{"timestamp":1700000000.5,"rows":{"ch1":1}}`,
			expected: `{"timestamp":0,"rows":{"ch1":1}}`,
			equal:    true,
		},
		{
			name:     "precision rounds sample values",
			opts:     []Option{WithPrecision(3)},
			actual:   `{"ch1":2.8600001}`,
			expected: `{"ch1":2.86}`,
			equal:    true,
		},
		{
			name:     "exact comparison by default",
			actual:   `{"ch1":2.8600001}`,
			expected: `{"ch1":2.86}`,
			equal:    false,
		},
		{
			name:     "root arrays",
			actual:   `[{"id":0,"name":"Cyton"},{"id":-1,"name":"Synthetic"}]`,
			expected: `[{"id":0},{"id":-1}]`,
			equal:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := NewJSONAsserter(t).WithOptions(tt.opts...).Diff(tt.actual, tt.expected)
			if tt.equal {
				assert.Empty(t, diff, "documents MUST compare equal")
			} else {
				assert.NotEmpty(t, diff, "documents MUST differ")
			}
		})
	}
}

func TestJSONAsserter_InvalidJSON(t *testing.T) {
	ja := NewJSONAsserter(t)

	assert.Contains(t, ja.Diff(`{}`, `{`), "invalid expected JSON")
	assert.Contains(t, ja.Diff(`nope`, `{}`), "invalid actual JSON")
}

func TestJSONAsserter_AssertLines(t *testing.T) {
	out := "{\"rows\":{\"package\":0}}\n\n{\"rows\":{\"package\":1}}\n"

	assert.True(t, NewJSONAsserter(t).AssertLines(out,
		`{"rows":{"package":0}}`,
		`{"rows":{"package":1}}`,
	), "matching JSON lines MUST pass")

	rec := &recordingT{}
	assert.False(t, NewJSONAsserter(rec).AssertLines(out, `{"rows":{"package":0}}`),
		"a document count mismatch MUST fail")
	assert.Len(t, rec.errors, 1)

	rec = &recordingT{}
	assert.False(t, NewJSONAsserter(rec).AssertLines(out,
		`{"rows":{"package":0}}`,
		`{"rows":{"package":2}}`,
	), "a differing document MUST fail")
	if assert.Len(t, rec.errors, 1) {
		assert.Contains(t, rec.errors[0], "line 2")
	}
}

func TestMustJSON(t *testing.T) {
	assert.JSONEq(t, `{"a":[1,2]}`, MustJSON(map[string][]int{"a": {1, 2}}))
	assert.Panics(t, func() { MustJSON(make(chan int)) }, "unmarshalable values MUST panic")
}
