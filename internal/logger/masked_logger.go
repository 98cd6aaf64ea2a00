package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Sensitive value kinds.
const (
	APIKey   = "api_key"
	Password = "password"
	Token    = "token"
)

// MaskSensitiveInfo redacts a sensitive string, keeping the first and last
// four characters for short-value debugging.
func MaskSensitiveInfo(info string, infoType string) string {
	if info == "" {
		return ""
	}

	switch infoType {
	case APIKey, Password, Token:
		if len(info) <= 8 {
			return "****"
		}
		return info[:4] + strings.Repeat("*", len(info)-8) + info[len(info)-4:]
	default:
		return info
	}
}

// NewMaskedLogger wraps a logger so sensitive string fields are redacted on
// write.
func NewMaskedLogger(baseLogger *zap.Logger) *zap.Logger {
	return baseLogger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return &maskedCore{Core: core}
	}))
}

type maskedCore struct {
	zapcore.Core
}

func (c *maskedCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *maskedCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	for i, field := range fields {
		if isSensitiveField(field.Key) {
			if field.Type == zapcore.StringType {
				fields[i] = zap.String(field.Key, MaskSensitiveInfo(field.String, getFieldType(field.Key)))
			}
		}
	}
	return c.Core.Write(entry, fields)
}

func isSensitiveField(key string) bool {
	key = strings.ToLower(key)
	return strings.Contains(key, "api_key") ||
		strings.Contains(key, "apikey") ||
		strings.Contains(key, "password") ||
		strings.Contains(key, "token") ||
		strings.Contains(key, "secret") ||
		strings.Contains(key, "auth")
}

func getFieldType(key string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "api_key") || strings.Contains(key, "apikey") {
		return APIKey
	}
	if strings.Contains(key, "password") {
		return Password
	}
	if strings.Contains(key, "token") || strings.Contains(key, "secret") || strings.Contains(key, "auth") {
		return Token
	}
	return ""
}
