package logger

import "strings"

// Keys whose values must never reach a persisted event or log line.
var secretKeys = []string{
	"api_key", "apikey", "api_secret", "secret", "token", "password", "passphrase",
}

// ScrubSecrets replaces the values of credential-looking keys in a payload
// map before it is serialized anywhere durable. The map is modified in place
// and returned for convenience; nested maps are scrubbed recursively.
func ScrubSecrets(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	for k, v := range payload {
		if isSecretKey(k) {
			payload[k] = "[redacted]"
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			payload[k] = ScrubSecrets(nested)
		}
	}
	return payload
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range secretKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
