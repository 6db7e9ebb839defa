package gateway

import "encoding/json"

// sensitiveKeys lists payload field names masked out of the audit trail's
// redacted_payload. Matching is case-sensitive on the exact key name,
// mirroring the shape of payloads the provider contracts already define
// (webhookprovider/slackprovider headers and tokens).
var sensitiveKeys = map[string]bool{
	"password":    true,
	"secret":      true,
	"token":       true,
	"api_key":     true,
	"apikey":      true,
	"authorization": true,
	"access_token":  true,
}

const redactedPlaceholder = "***redacted***"

// redactPayload masks sensitive fields in a JSON payload before it is
// persisted to the audit trail. Payloads that are not a JSON object (or
// fail to parse) are returned unmodified — the audit record still needs
// something to show, and a non-object payload carries no field names to
// redact.
func redactPayload(payload []byte) []byte {
	if len(payload) == 0 {
		return payload
	}
	var v interface{}
	if err := json.Unmarshal(payload, &v); err != nil {
		return payload
	}
	redacted := redactValue(v)
	out, err := json.Marshal(redacted)
	if err != nil {
		return payload
	}
	return out
}

func redactValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if sensitiveKeys[k] {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redactValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}
