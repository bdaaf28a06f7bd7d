// Package parse decodes the loosely structured stdout of model executables.
//
// Decoding never fails: it tries the whole output as JSON, then the first
// balanced {...} object embedded in it, and finally degrades to the trimmed
// text itself.
package parse

import (
	"encoding/json"
	"strings"
)

type Stage int

const (
	StageFullJSON Stage = iota
	StageEmbeddedObject
	StageLiteral
)

func (s Stage) String() string {
	switch s {
	case StageFullJSON:
		return "full_json"
	case StageEmbeddedObject:
		return "embedded_object"
	default:
		return "literal"
	}
}

// Decoded is the result of running the fallback chain over raw output.
// Object is set when the output (or an embedded part of it) was a JSON
// object; Scalar is set otherwise.
type Decoded struct {
	Stage  Stage
	Object map[string]interface{}
	Scalar interface{}
	Raw    string
}

// Degraded reports whether the output was not clean JSON.
func (d Decoded) Degraded() bool {
	return d.Stage != StageFullJSON
}

func Decode(raw string) Decoded {
	trimmed := strings.TrimSpace(raw)
	for _, stage := range []func(string) (Decoded, bool){tryFullParse, tryExtractBalancedBraces} {
		if d, ok := stage(trimmed); ok {
			return d
		}
	}
	return literalFallback(trimmed)
}

func tryFullParse(s string) (Decoded, bool) {
	if s == "" {
		return Decoded{}, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return Decoded{}, false
	}
	d := Decoded{Stage: StageFullJSON, Raw: s}
	if obj, ok := v.(map[string]interface{}); ok {
		d.Object = obj
	} else {
		d.Scalar = v
	}
	return d, true
}

func tryExtractBalancedBraces(s string) (Decoded, bool) {
	_, obj, ok := firstObject(s)
	if !ok {
		return Decoded{}, false
	}
	return Decoded{Stage: StageEmbeddedObject, Object: obj, Raw: s}, true
}

func literalFallback(s string) Decoded {
	return Decoded{Stage: StageLiteral, Scalar: s, Raw: s}
}

// FirstBalancedObject returns the first substring that starts at a '{',
// ends at its matching '}' and decodes as a JSON object. Braces inside JSON
// string literals are ignored, and brace groups that are not JSON (such as
// "{model}" in a log line) are skipped.
func FirstBalancedObject(s string) (string, bool) {
	text, _, ok := firstObject(s)
	return text, ok
}

func firstObject(s string) (string, map[string]interface{}, bool) {
	for i := 0; i < len(s); {
		rel := strings.IndexByte(s[i:], '{')
		if rel < 0 {
			break
		}
		start := i + rel
		if end, ok := matchBrace(s, start); ok {
			var obj map[string]interface{}
			if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
				return s[start : end+1], obj, true
			}
		}
		i = start + 1
	}
	return "", nil, false
}

// LastObject returns the last balanced top-level JSON object in s that
// decodes cleanly. Training scripts print progress lines before their
// metrics, so the final object is the one that matters.
func LastObject(s string) (map[string]interface{}, bool) {
	var last map[string]interface{}
	found := false
	for i := 0; i < len(s); {
		rel := strings.IndexByte(s[i:], '{')
		if rel < 0 {
			break
		}
		start := i + rel
		end, ok := matchBrace(s, start)
		if !ok {
			break
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err == nil {
			last, found = obj, true
			i = end + 1
		} else {
			i = start + 1
		}
	}
	return last, found
}

func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
