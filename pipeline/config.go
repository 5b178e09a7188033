package pipeline

import (
	"fmt"
	"time"

	"github.com/poiesic/alexandria/retry"
)

// Config holds pipeline limits and retry policy.
type Config struct {
	// MaxAttempts bounds how many times a document runs before it fails for good.
	MaxAttempts int `yaml:"max_attempts"`

	// StageTimeout bounds each stage. Timeouts are transient failures.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// MaxDocumentSize is the largest document accepted by validation, in bytes.
	MaxDocumentSize int64 `yaml:"max_document_size"`

	// MaxAnalysisChars is the longest extracted text sent for analysis.
	MaxAnalysisChars int `yaml:"max_analysis_chars"`

	// Backoff spaces retries: attempt n waits Backoff.Delay(n).
	Backoff retry.Policy `yaml:"backoff"`

	// Instructions are passed to the text-transform service with every document.
	Instructions string `yaml:"instructions"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		StageTimeout:     2 * time.Minute,
		MaxDocumentSize:  50 << 20,
		MaxAnalysisChars: 100_000,
		Backoff:          retry.Policy{Base: time.Second, Max: time.Minute},
	}
}

// Validate checks that every limit is usable.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("%w: MaxAttempts must be at least 1, got %d", ErrInvalidConfig, c.MaxAttempts)
	}
	if c.StageTimeout <= 0 {
		return fmt.Errorf("%w: StageTimeout must be positive", ErrInvalidConfig)
	}
	if c.MaxDocumentSize <= 0 {
		return fmt.Errorf("%w: MaxDocumentSize must be positive", ErrInvalidConfig)
	}
	if c.MaxAnalysisChars <= 0 {
		return fmt.Errorf("%w: MaxAnalysisChars must be positive", ErrInvalidConfig)
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		return fmt.Errorf("%w: Backoff needs 0 < Base <= Max", ErrInvalidConfig)
	}
	return nil
}
