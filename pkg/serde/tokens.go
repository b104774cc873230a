package serde

import "encoding/json"

// EstimateTokens gives a rough token count for s using the common
// four-characters-per-token heuristic. It is used only for observability,
// never for control flow.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}

// Savings reports the estimated token-count reduction of the compact form
// over the equivalent JSON encoding of the same value. It is logged, not
// acted upon.
func Savings(v any) (compactTokens, jsonTokens int, ratio float64, err error) {
	compact, err := Encode(v)
	if err != nil {
		return 0, 0, 0, err
	}
	asJSON, err := json.Marshal(toJSONable(v))
	if err != nil {
		return 0, 0, 0, err
	}
	compactTokens = EstimateTokens(compact)
	jsonTokens = EstimateTokens(string(asJSON))
	if jsonTokens == 0 {
		return compactTokens, jsonTokens, 0, nil
	}
	ratio = 1 - float64(compactTokens)/float64(jsonTokens)
	return compactTokens, jsonTokens, ratio, nil
}

func toJSONable(v any) any {
	switch t := v.(type) {
	case *Map:
		m := make(map[string]any, t.Len())
		for _, k := range t.Keys() {
			val, _ := t.Get(k)
			m[k] = toJSONable(val)
		}
		return m
	case *Seq:
		out := make([]any, len(t.Items))
		for i, item := range t.Items {
			out[i] = toJSONable(item)
		}
		return out
	default:
		return t
	}
}
