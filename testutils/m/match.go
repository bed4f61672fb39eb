package m

import (
	"bytes"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/tidwall/gjson"
)

// JSONMatcher checks one aspect of a JSON document: an HTTP body or a broadcast payload.
type JSONMatcher func(doc gjson.Result) error

// LogJSON builds a matcher that always succeeds. As a side-effect, it pretty-prints
// the document to the test log. This is useful when debugging a test.
func LogJSON(t *testing.T) JSONMatcher {
	return func(doc gjson.Result) error {
		var buf bytes.Buffer
		if err := json.Indent(&buf, []byte(doc.Raw), "", "    "); err != nil {
			t.Logf("Document was: %s", doc.Raw)
			return nil
		}
		t.Logf("Document was: %s", buf.String())
		return nil
	}
}

// MatchPayloadType checks the "type" field every broadcast payload carries.
func MatchPayloadType(typ string) JSONMatcher {
	return MatchString("type", typ)
}

func MatchString(path, want string) JSONMatcher {
	return func(doc gjson.Result) error {
		got := doc.Get(path)
		if !got.Exists() {
			return fmt.Errorf("MatchString: %s missing", path)
		}
		if got.String() != want {
			return fmt.Errorf("MatchString: %s got %q want %q", path, got.String(), want)
		}
		return nil
	}
}

func MatchInt(path string, want int64) JSONMatcher {
	return func(doc gjson.Result) error {
		got := doc.Get(path)
		if !got.Exists() {
			return fmt.Errorf("MatchInt: %s missing", path)
		}
		if got.Int() != want {
			return fmt.Errorf("MatchInt: %s got %d want %d", path, got.Int(), want)
		}
		return nil
	}
}

func MatchBool(path string, want bool) JSONMatcher {
	return func(doc gjson.Result) error {
		got := doc.Get(path)
		if !got.Exists() {
			return fmt.Errorf("MatchBool: %s missing", path)
		}
		if got.Bool() != want {
			return fmt.Errorf("MatchBool: %s got %v want %v", path, got.Bool(), want)
		}
		return nil
	}
}

func MatchExists(path string) JSONMatcher {
	return func(doc gjson.Result) error {
		if !doc.Get(path).Exists() {
			return fmt.Errorf("MatchExists: %s missing", path)
		}
		return nil
	}
}

func MatchAbsent(path string) JSONMatcher {
	return func(doc gjson.Result) error {
		if got := doc.Get(path); got.Exists() {
			return fmt.Errorf("MatchAbsent: %s present with %s", path, got.Raw)
		}
		return nil
	}
}

func MatchArrayLen(path string, want int) JSONMatcher {
	return func(doc gjson.Result) error {
		got := doc.Get(path)
		if !got.IsArray() {
			return fmt.Errorf("MatchArrayLen: %s is not an array: %s", path, got.Raw)
		}
		if n := len(got.Array()); n != want {
			return fmt.Errorf("MatchArrayLen: %s got %d elements want %d", path, n, want)
		}
		return nil
	}
}

// MatchStrings checks an array of strings, in order.
func MatchStrings(path string, want ...string) JSONMatcher {
	return func(doc gjson.Result) error {
		got := doc.Get(path)
		if !got.IsArray() {
			return fmt.Errorf("MatchStrings: %s is not an array: %s", path, got.Raw)
		}
		arr := got.Array()
		if len(arr) != len(want) {
			return fmt.Errorf("MatchStrings: %s got %s want %v", path, got.Raw, want)
		}
		for i := range arr {
			if arr[i].String() != want[i] {
				return fmt.Errorf("MatchStrings: %s[%d] got %q want %q", path, i, arr[i].String(), want[i])
			}
		}
		return nil
	}
}

const AnsiRedForeground = "\x1b[31m"
const AnsiResetForeground = "\x1b[39m"

// MatchJSON runs every matcher against body, failing the test for each mismatch.
func MatchJSON(t *testing.T, body []byte, matchers ...JSONMatcher) {
	t.Helper()
	if !gjson.ValidBytes(body) {
		t.Errorf("%vMatchJSON: invalid JSON: %s%v", AnsiRedForeground, string(body), AnsiResetForeground)
		return
	}
	doc := gjson.ParseBytes(body)
	for _, m := range matchers {
		if err := m(doc); err != nil {
			t.Errorf("%vMatchJSON: %s\n%s%v", AnsiRedForeground, err, string(body), AnsiResetForeground)
		}
	}
}
