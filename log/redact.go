package log

import (
	"net/url"
	"strings"
)

// RedactURL strips the password out of URL-shaped strings so that storage and
// database credentials never reach the logs. Strings that look like a URL but
// cannot be parsed are replaced entirely.
func RedactURL(str string) string {
	if !strings.Contains(str, "://") {
		return str
	}
	u, err := url.Parse(str)
	if err != nil {
		return "REDACTED"
	}
	return u.Redacted()
}

// RedactLogs applies RedactURL to each delimiter-separated chunk of a log
// blob, e.g. captured ffmpeg stderr that may echo presigned URLs.
func RedactLogs(logs string, delimiter string) string {
	if !strings.Contains(logs, delimiter) {
		return logs
	}
	parts := strings.Split(logs, delimiter)
	for i, part := range parts {
		parts[i] = RedactURL(part)
	}
	return strings.Join(parts, delimiter)
}

func redactKeyvals(keyvals ...interface{}) []interface{} {
	out := make([]interface{}, 0, len(keyvals))
	for i, kv := range keyvals {
		if i%2 == 1 {
			if str, ok := kv.(string); ok {
				out = append(out, RedactURL(str))
				continue
			}
		}
		out = append(out, kv)
	}
	return out
}
