package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor scrubs credentials out of log lines.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor for login passwords, shared secrets and tokens.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// "password":"..." in JSON lines, password=... in DSNs and flags
			regexp.MustCompile(`("?password"?\s*[:=]\s*)"(?:[^"\\]|\\.)*"`),
			regexp.MustCompile(`(password=)[^\s&"]+`),

			// shared secret header and config key
			regexp.MustCompile(`("?(?:shared_secret|X-Txgate-Secret)"?\s*[:=]\s*)"(?:[^"\\]|\\.)*"`),

			// HMAC challenge answers
			regexp.MustCompile(`("?signature"?\s*[:=]\s*)"[0-9a-fA-F]{16,}"`),

			regexp.MustCompile(`(Bearer\s+)[a-zA-Z0-9._-]+`),

			// bcrypt hashes
			regexp.MustCompile(`()\$2[aby]\$\d{2}\$[./A-Za-z0-9]{53}`),
		},
	}
}

// AddPattern adds a pattern whose whole match is redacted.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile("()" + pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact replaces sensitive values in s. Keys are kept so lines stay readable.
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, "${1}"+quoteLike(pattern))
	}
	return s
}

// quoteLike keeps JSON values quoted so redacted lines still parse.
func quoteLike(pattern *regexp.Regexp) string {
	src := pattern.String()
	if len(src) > 0 && src[len(src)-1] == '"' {
		return `"` + redacted + `"`
	}
	return redacted
}

// Wrap wraps w so everything written through it is redacted.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{writer: w, redactor: r}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
