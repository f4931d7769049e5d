package transport

import "regexp"

// redactedFields are body/header field names whose values are replaced
// before a request or response body is logged.
var redactedFields = map[string]bool{
	"authorization": true,
	"api_key":       true,
	"password":      true,
	"token":         true,
}

var bearerTokenPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]+=*`)

// redactBody returns a copy of body with known-sensitive field values and
// bearer tokens replaced, suitable for LOG_BODIES logging. It operates on
// the raw bytes with a shallow field scan rather than a full JSON
// round-trip so malformed bodies still get redacted instead of failing to
// log at all.
func redactBody(body []byte) string {
	s := bearerTokenPattern.ReplaceAllString(string(body), "Bearer <redacted>")
	return redactJSONFields(s)
}

// redactJSONFields walks a flattened "key": value scan and blanks the
// value following any known-sensitive key name, regardless of nesting
// depth. It is intentionally simple: a best-effort log scrubber, not a
// JSON parser.
func redactJSONFields(s string) string {
	out := []byte(s)
	for field := range redactedFields {
		re := regexp.MustCompile(`(?i)"` + field + `"\s*:\s*"[^"]*"`)
		out = re.ReplaceAll(out, []byte(`"`+field+`":"<redacted>"`))
	}
	return string(out)
}
