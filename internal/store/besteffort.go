package store

import "github.com/rs/zerolog"

// BestEffort runs fn and logs the failure instead of returning it. Metadata
// writes ride along with compute requests and must never fail the response.
func BestEffort(log zerolog.Logger, op string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("op", op).Msg("metadata write skipped")
	}
}
