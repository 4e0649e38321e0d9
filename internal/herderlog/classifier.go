package herderlog

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Classifier assigns a severity level to captured child output. It
// drives the health monitor's errorCount metric (every stderr line at or
// above error level is tallied) and the level shown in status queries.
type Classifier struct {
	patterns     []levelPattern
	defaultLevel slog.Level
}

type levelPattern struct {
	level slog.Level
	regex *regexp.Regexp
}

// NewClassifier builds a classifier from level->pattern pairs. Patterns are
// evaluated most-severe first so a line matching several takes the highest.
func NewClassifier(patterns map[slog.Level]string, defaultLevel slog.Level) (*Classifier, error) {
	c := &Classifier{defaultLevel: defaultLevel}
	for _, lvl := range []slog.Level{slog.LevelError, slog.LevelWarn, slog.LevelInfo, slog.LevelDebug} {
		expr, ok := patterns[lvl]
		if !ok {
			continue
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile level pattern for %s: %w", lvl, err)
		}
		c.patterns = append(c.patterns, levelPattern{level: lvl, regex: re})
	}
	return c, nil
}

// DefaultClassifier recognizes the error vocabulary common across dev
// servers, test runners, and build tools.
func DefaultClassifier() *Classifier {
	c, err := NewClassifier(map[slog.Level]string{
		slog.LevelError: `(?i)\b(error|fatal|panic|exception|fail(ed|ure)?)\b`,
		slog.LevelWarn:  `(?i)\b(warn(ing)?|deprecated)\b`,
		slog.LevelDebug: `(?i)\b(debug|trace)\b`,
	}, slog.LevelInfo)
	if err != nil {
		panic(err) // built-in patterns, compile-checked by tests
	}
	return c
}

// DetectLevel returns the severity of a captured line.
func (c *Classifier) DetectLevel(line string) slog.Level {
	for _, p := range c.patterns {
		if p.regex.MatchString(line) {
			return p.level
		}
	}
	return c.defaultLevel
}

// IsError reports whether a line counts toward the errorCount tally.
func (c *Classifier) IsError(line string) bool {
	return c.DetectLevel(line) >= slog.LevelError
}
