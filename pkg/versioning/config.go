// ABOUTME: Versioning configuration with immutable defaults and functional options
// ABOUTME: Each registration builds its own Config; nothing is shared after creation

package versioning

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nainya/versionstore/pkg/document"
)

// Config controls how one collection is versioned
type Config struct {
	VersionProperty  string
	ModelName        func(name string) string
	CheckVersion     bool
	TrackDates       bool
	CreatedProperty  string
	ModifiedProperty string

	Logger   zerolog.Logger
	Recorder Recorder
	Clock    func() time.Time
}

// Option overrides one setting of the default Config
type Option func(*Config)

// DefaultModelName names the snapshot collection of a primary collection
func DefaultModelName(name string) string {
	return name + "_version"
}

// DefaultConfig returns a fresh copy of the default settings
func DefaultConfig() Config {
	return Config{
		VersionProperty:  "_v",
		ModelName:        DefaultModelName,
		CheckVersion:     true,
		TrackDates:       true,
		CreatedProperty:  "_created",
		ModifiedProperty: "_modified",
		Logger:           zerolog.Nop(),
		Recorder:         nopRecorder{},
		Clock:            time.Now,
	}
}

// NewConfig merges opts over the defaults
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func WithVersionProperty(name string) Option {
	return func(c *Config) { c.VersionProperty = name }
}

func WithModelName(fn func(name string) string) Option {
	return func(c *Config) { c.ModelName = fn }
}

func WithCheckVersion(enabled bool) Option {
	return func(c *Config) { c.CheckVersion = enabled }
}

func WithTrackDates(enabled bool) Option {
	return func(c *Config) { c.TrackDates = enabled }
}

func WithCreatedProperty(name string) Option {
	return func(c *Config) { c.CreatedProperty = name }
}

func WithModifiedProperty(name string) Option {
	return func(c *Config) { c.ModifiedProperty = name }
}

// WithLogger sets the logger for conflicts and snapshot writes
func WithLogger(log zerolog.Logger) Option {
	return func(c *Config) { c.Logger = log }
}

// WithRecorder sets where versioning events are counted
func WithRecorder(r Recorder) Option {
	return func(c *Config) {
		if r == nil {
			r = nopRecorder{}
		}
		c.Recorder = r
	}
}

// WithClock sets the time source for created and modified dates
func WithClock(clock func() time.Time) Option {
	return func(c *Config) { c.Clock = clock }
}

// Validate checks the field names for a collection called name
func (c Config) Validate(name string) error {
	if c.VersionProperty == "" {
		return fmt.Errorf("%w: empty version property", ErrInvalidConfig)
	}
	if c.ModelName == nil || c.Clock == nil {
		return fmt.Errorf("%w: model name and clock are required", ErrInvalidConfig)
	}
	if shadow := c.ModelName(name); shadow == "" || shadow == name {
		return fmt.Errorf("%w: snapshot collection name %q for %q", ErrInvalidConfig, shadow, name)
	}

	reserved := map[string]bool{document.IDField: true, RefIDField: true, ActionField: true}
	names := []string{c.VersionProperty}
	if c.TrackDates {
		names = append(names, c.CreatedProperty, c.ModifiedProperty)
	}
	for _, n := range names {
		if n == "" || reserved[n] {
			return fmt.Errorf("%w: field name %q is reserved", ErrInvalidConfig, n)
		}
		reserved[n] = true
	}
	return nil
}
