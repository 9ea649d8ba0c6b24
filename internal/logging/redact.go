package logging

import (
	"context"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// Attribute keys containing any of these are dropped wholesale.
var secretKeys = []string{"password", "passphrase", "secret", "private_key", "signer_key", "credential"}

var (
	// 32-byte hex secp256k1 keys, with or without 0x
	privateKeyRe = regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{64}\b`)
	// user:password@ prefix of a go-sql-driver DSN
	dsnUserRe = regexp.MustCompile(`^([^:@/]+):([^@]+)@`)
)

// RedactingHandler scrubs signer keys and broker or database credentials
// from attributes before they reach the inner handler.
type RedactingHandler struct {
	inner slog.Handler
}

func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(scrub(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	scrubbed := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		scrubbed = append(scrubbed, scrub(a))
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(scrubbed)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func scrub(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range secretKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		scrubbed := make([]any, 0, len(group))
		for _, g := range group {
			scrubbed = append(scrubbed, scrub(g))
		}
		return slog.Group(a.Key, scrubbed...)
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	if v := RedactString(a.Value.String()); v != a.Value.String() {
		return slog.String(a.Key, v)
	}
	return a
}

// RedactString masks hex private keys and the password of broker URLs
// (amqp://, redis://) and MySQL DSNs.
func RedactString(val string) string {
	val = privateKeyRe.ReplaceAllStringFunc(val, func(m string) string {
		return m[:6] + "..." + m[len(m)-4:]
	})

	if strings.Contains(val, "://") {
		u, err := url.Parse(val)
		if err != nil || u.User == nil {
			return val
		}
		if _, ok := u.User.Password(); !ok {
			return val
		}
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
		return u.String()
	}
	return dsnUserRe.ReplaceAllString(val, "$1:"+redacted+"@")
}
