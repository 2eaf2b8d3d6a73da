package verdict

import "time"

// nestKeys is the ordered probe for results hidden one level down. Backends
// have shipped all of these shapes at one point or another; adding a new
// nesting convention is a one-line change here.
var nestKeys = []string{"payload", "data", "result"}

// Normalize converts a loosely-typed backend payload into a canonical
// Verdict. It returns nil only when raw is not an object at all — that is a
// caller error, not an unknown-verdict result. Source is left for the
// caller to stamp.
//
// The safe field is coerced fail-closed: a payload asserting safe=true
// while also naming a threat type is a contradiction and becomes unsafe.
func Normalize(raw any, subjectURL string) *Verdict {
	m, ok := raw.(map[string]any)
	if !ok || m == nil {
		return nil
	}

	// The actual result may be nested under a wrapper key or be flat.
	if inner := probeNested(m); inner != nil {
		m = inner
	}

	threat := stringField(m, "threat_type", "threatType")

	v := &Verdict{
		ThreatType: threat,
		Details:    stringField(m, "details", "message"),
		SubjectURL: subjectURL,
	}
	if v.SubjectURL == "" {
		v.SubjectURL = stringField(m, "url")
	}

	switch safe := m["safe"].(type) {
	case bool:
		if safe && threat == "" {
			v.Safe = Bool(true)
		} else {
			// safe=false, or the safe=true/threat contradiction.
			v.Safe = Bool(false)
		}
	default:
		if threat != "" {
			v.Safe = Bool(false)
		}
		// Otherwise undetermined: Safe stays nil.
	}

	if c, ok := numberField(m, "confidence"); ok {
		v.Confidence = &c
	}
	if ts, ok := numberField(m, "timestamp"); ok {
		t := time.UnixMilli(int64(ts)).UTC()
		v.ObservedAt = &t
	}
	v.ExternalScans = externalScans(m["external_scans"])

	return v
}

// ExtractResult pulls the analysis object out of a channel envelope,
// probing payload then result, then descending through data and analysis
// wrappers. It returns the innermost object, or the input itself when no
// wrapper is present.
func ExtractResult(m map[string]any) map[string]any {
	result := m
	if p, ok := m["payload"].(map[string]any); ok {
		result = p
	} else if r, ok := m["result"].(map[string]any); ok {
		result = r
	}
	if d, ok := result["data"].(map[string]any); ok {
		result = d
	}
	if a, ok := result["analysis"].(map[string]any); ok {
		result = a
	}
	return result
}

// probeNested returns the first wrapper object that looks like a result.
func probeNested(m map[string]any) map[string]any {
	for _, key := range nestKeys {
		inner, ok := m[key].(map[string]any)
		if !ok {
			continue
		}
		for _, field := range []string{"safe", "threat_type", "threatType", "details", "message"} {
			if _, has := inner[field]; has {
				return inner
			}
		}
	}
	return nil
}

func stringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func numberField(m map[string]any, key string) (float64, bool) {
	switch n := m[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func externalScans(raw any) []ExternalScan {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []ExternalScan
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		scan := ExternalScan{Source: stringField(m, "source")}
		if b, ok := m["safe"].(bool); ok {
			scan.Safe = Bool(b)
		}
		out = append(out, scan)
	}
	return out
}
