package logging

import (
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap/zapcore"
)

// Config shapes the daemon logger. The operator-facing subset lives in
// config.LoggingConfig; the rest are fixed defaults.
type Config struct {
	Level  zapcore.Level
	Format string // "json" or "console"

	// Stdout writes encoded records to standard output.
	Stdout bool
	// OTEL also forwards records through the otelzap bridge when the
	// telemetry layer has a log provider.
	OTEL bool

	// Below Error, each message is logged Burst times per second and then
	// every Every-th time. Burst 0 disables sampling.
	Burst int
	Every int

	// Fields are attached to every record.
	Fields map[string]string

	// RedactKeys are field keys whose values are never written.
	RedactKeys []string
	// RedactPatterns mask any string value they match.
	RedactPatterns []string
}

const maxPatternLen = 200

// NewDefaultConfig returns JSON on stdout at info with sampling and the
// credential redaction rules used for classifier and collaborator settings.
func NewDefaultConfig() *Config {
	return &Config{
		Level:  zapcore.InfoLevel,
		Format: "json",
		Stdout: true,
		Burst:  100,
		Every:  10,
		Fields: map[string]string{"service": "flowstated"},
		RedactKeys: []string{
			"password", "secret", "token", "api_key", "authorization", "bearer", "credential",
		},
		RedactPatterns: []string{
			`(?i)bearer\s+\S+`,
			`(?i)api[_-]?key[=:]\s*\S+`,
			`sk-[A-Za-z0-9]{20,}`,
		},
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if c.Format != "json" && c.Format != "console" {
		return fmt.Errorf("format must be 'json' or 'console', got %q", c.Format)
	}
	if !c.Stdout && !c.OTEL {
		return errors.New("stdout or otel output must be enabled")
	}
	if c.Burst < 0 || c.Every < 0 {
		return fmt.Errorf("sampling burst and every must be >= 0, got %d/%d", c.Burst, c.Every)
	}
	if _, err := compilePatterns(c.RedactPatterns); err != nil {
		return err
	}
	for k, v := range c.Fields {
		if k == "" || v == "" {
			return fmt.Errorf("field %q: key and value are required", k)
		}
	}
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if len(p) > maxPatternLen {
			return nil, fmt.Errorf("redaction pattern longer than %d chars: %q", maxPatternLen, p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
