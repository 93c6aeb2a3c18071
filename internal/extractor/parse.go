package extractor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/sift/internal/schema"
)

// refusalKey marks an oracle answer that declines to extract.
const refusalKey = "_error"

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// Drop the info string ("json").
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// parseCandidate turns an oracle answer into a Candidate. unknown receives
// keys that are not declared fields.
func parseCandidate(raw string, s *schema.Schema, unknown func(key string)) (Candidate, *Error) {
	payload := stripFences(raw)

	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &Error{Kind: KindMalformed, Reason: "response is not a JSON object", Err: err}
	}
	if obj == nil {
		return nil, &Error{Kind: KindMalformed, Reason: "response is null"}
	}
	if dec.More() {
		return nil, &Error{Kind: KindMalformed, Reason: "trailing data after JSON object"}
	}

	if reason, ok := obj[refusalKey]; ok {
		return nil, &Error{Kind: KindRefused, Reason: scalarText(reason)}
	}

	c := make(Candidate, len(obj))
	matched := 0
	for key, v := range obj {
		if _, ok := s.Field(key); !ok {
			if unknown != nil {
				unknown(key)
			}
			continue
		}
		matched++
		if val := toValue(v); val.Kind() != schema.KindAbsent {
			c[key] = val
		}
	}
	if matched == 0 {
		return nil, &Error{Kind: KindMalformed, Reason: "response contains none of the declared fields"}
	}
	return c, nil
}

func toValue(v any) schema.Value {
	switch x := v.(type) {
	case nil:
		return schema.Value{}
	case string, json.Number, bool:
		return schema.StringValue(scalarText(x))
	case []any:
		items := make([]string, 0, len(x))
		for _, el := range x {
			switch el.(type) {
			case nil:
				continue
			case string, json.Number, bool:
				items = append(items, scalarText(el))
			default:
				return schema.InvalidValue(rawText(v))
			}
		}
		return schema.ListValue(items)
	default:
		return schema.InvalidValue(rawText(v))
	}
}

func scalarText(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return rawText(v)
	}
}

func rawText(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSpace(buf.String())
}
