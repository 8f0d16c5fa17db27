package schema

import (
	"errors"
	"time"
)

// TerminalConfig defines pane timing and capture behavior.
type TerminalConfig struct {
	// Debounce is the idle period before a layout change is measured.
	Debounce time.Duration
	// FitRetries bounds retries after a failed fit.
	FitRetries int
	// RetryBackoff is multiplied by the attempt number between fit retries.
	RetryBackoff time.Duration
	// CellWidth and CellHeight are the font metrics, in pixels, used to fit a
	// pixel area to a character grid.
	CellWidth  float64
	CellHeight float64
	// AutoCopyCatOutput enables clipboard capture of single-file reads.
	AutoCopyCatOutput bool
	// CaptureVerb is the display command recognized by the capture parser.
	CaptureVerb string
}

const (
	// DefaultDebounce is the default resize debounce window.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultFitRetries is the default number of fit retries.
	DefaultFitRetries = 3
	// DefaultRetryBackoff is the default linear retry backoff step.
	DefaultRetryBackoff = 100 * time.Millisecond
	// DefaultCaptureVerb is the command whose output is captured.
	DefaultCaptureVerb = "cat"
	// MaxGridDimension bounds accepted columns and rows.
	MaxGridDimension = 1000
)

// DefaultTerminalConfig returns the defaults used when nothing is configured.
func DefaultTerminalConfig() TerminalConfig {
	return TerminalConfig{
		Debounce:          DefaultDebounce,
		FitRetries:        DefaultFitRetries,
		RetryBackoff:      DefaultRetryBackoff,
		CellWidth:         9,
		CellHeight:        20,
		AutoCopyCatOutput: true,
		CaptureVerb:       DefaultCaptureVerb,
	}
}

// NormalizeTerminalConfig applies defaults and validates the config.
func NormalizeTerminalConfig(cfg TerminalConfig) (TerminalConfig, error) {
	def := DefaultTerminalConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.FitRetries < 0 {
		return TerminalConfig{}, errors.New("fit retries must not be negative")
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.CellWidth < 0 || cfg.CellHeight < 0 {
		return TerminalConfig{}, errors.New("cell metrics must not be negative")
	}
	if cfg.CellWidth == 0 {
		cfg.CellWidth = def.CellWidth
	}
	if cfg.CellHeight == 0 {
		cfg.CellHeight = def.CellHeight
	}
	if cfg.CaptureVerb == "" {
		cfg.CaptureVerb = def.CaptureVerb
	}
	return cfg, nil
}
