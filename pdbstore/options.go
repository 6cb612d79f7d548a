package pdbstore

import "github.com/rs/zerolog"

// Option configures a Store at Open time.
type Option func(*Store)

// WithLogger attaches a structured logger. Open is silent (zerolog.Nop)
// by default.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.log = logger }
}
