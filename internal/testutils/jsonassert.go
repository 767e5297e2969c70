package testutils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// MustJSON marshals v or panics.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAssertOptions controls how JSON documents are normalized before comparison.
type JSONAssertOptions struct {
	IgnoreExtraKeys bool     `default:"true"` // keys only present in actual are not a mismatch
	IgnoredFields   []string `default:""`     // keys dropped from both sides at any depth
	Precision       int      `default:"-1"`   // round numbers to this many decimals, -1 compares exactly
}

// Option is a functional option for configuring JSONAsserter
type Option func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a gojsondiff
// rendering on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

// NewJSONAsserter creates a JSONAsserter with default options.
func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

// WithOptions applies functional options to the JSONAsserter
func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Options returns a copy of the current options.
func (ja *JSONAsserter) Options() JSONAssertOptions {
	return ja.options
}

// Assert compares actualJSON against expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	ja.t.Helper()
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// AssertLines compares JSON Lines output document by document.
func (ja *JSONAsserter) AssertLines(actual string, expected ...string) bool {
	ja.t.Helper()
	lines := nonEmptyLines(actual)
	if len(lines) != len(expected) {
		ja.t.Errorf("JSON lines assertion failed: got %d documents, expected %d:\n%s", len(lines), len(expected), actual)
		return false
	}
	ok := true
	for i := range lines {
		if diff := ja.Diff(lines[i], expected[i]); diff != "" {
			ja.t.Errorf("JSON lines assertion failed at line %d:\n%s", i+1, diff)
			ok = false
		}
	}
	return ok
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// Diff returns a rendering of the differences, or "" when the documents match.
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := decodeJSON(expectedJSON, &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := decodeJSON(actualJSON, &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	expected = map[string]interface{}{"root": expected}
	actual = map[string]interface{}{"root": actual}

	if len(ja.options.IgnoredFields) > 0 {
		expected = dropFields(expected, ja.options.IgnoredFields)
		actual = dropFields(actual, ja.options.IgnoredFields)
	}
	if ja.options.Precision >= 0 {
		expected = roundNumbers(expected, ja.options.Precision)
		actual = roundNumbers(actual, ja.options.Precision)
	}
	if ja.options.IgnoreExtraKeys {
		actual = pruneExtraKeys(actual, expected)
	}

	diff := gojsondiff.New().CompareObjects(
		expected.(map[string]interface{}),
		actual.(map[string]interface{}),
	)
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, err := f.Format(diff)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	return out
}

// decodeJSON keeps numbers as json.Number so large counters do not lose precision.
func decodeJSON(s string, v *interface{}) error {
	dec := json.NewDecoder(bytes.NewBufferString(s))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	*v = numbersToFloat(*v)
	return nil
}

func numbersToFloat(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k := range t {
			t[k] = numbersToFloat(t[k])
		}
	case []interface{}:
		for i := range t {
			t[i] = numbersToFloat(t[i])
		}
	}
	return v
}

func roundNumbers(v interface{}, precision int) interface{} {
	switch t := v.(type) {
	case float64:
		p := math.Pow10(precision)
		return math.Round(t*p) / p
	case map[string]interface{}:
		for k := range t {
			t[k] = roundNumbers(t[k], precision)
		}
	case []interface{}:
		for i := range t {
			t[i] = roundNumbers(t[i], precision)
		}
	}
	return v
}

func dropFields(v interface{}, fields []string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for _, f := range fields {
			delete(t, f)
		}
		for k := range t {
			t[k] = dropFields(t[k], fields)
		}
	case []interface{}:
		for i := range t {
			t[i] = dropFields(t[i], fields)
		}
	}
	return v
}

// pruneExtraKeys removes keys from actual that expected does not mention.
func pruneExtraKeys(actual, expected interface{}) interface{} {
	switch exp := expected.(type) {
	case map[string]interface{}:
		act, ok := actual.(map[string]interface{})
		if !ok {
			return actual
		}
		for k := range act {
			if _, keep := exp[k]; !keep {
				delete(act, k)
				continue
			}
			act[k] = pruneExtraKeys(act[k], exp[k])
		}
	case []interface{}:
		act, ok := actual.([]interface{})
		if !ok {
			return actual
		}
		for i := range act {
			if i < len(exp) {
				act[i] = pruneExtraKeys(act[i], exp[i])
			}
		}
	}
	return actual
}

// WithIgnoreExtraKeys sets whether keys only present in actual are ignored
func WithIgnoreExtraKeys(ignore bool) Option {
	return func(opts *JSONAssertOptions) {
		opts.IgnoreExtraKeys = ignore
	}
}

// WithIgnoredFields drops the named keys from both documents at any depth
func WithIgnoredFields(fields ...string) Option {
	return func(opts *JSONAssertOptions) {
		opts.IgnoredFields = append(opts.IgnoredFields, fields...)
	}
}

// WithPrecision rounds numbers to the given number of decimals before comparing
func WithPrecision(decimals int) Option {
	return func(opts *JSONAssertOptions) {
		opts.Precision = decimals
	}
}
