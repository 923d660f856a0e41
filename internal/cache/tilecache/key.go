// Package tilecache memoizes generated tile templates keyed on the exact
// compute parameters. Any parameter change produces a new key, so entries
// never need in-place invalidation.
package tilecache

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/agrosense/spectral-tiles/internal/core/model"
)

// Key identifies one computed tile layer.
type Key struct {
	Index    string
	Sensor   string
	Start    string
	End      string
	CloudPct float64
	BBox     model.BBox
}

// String renders the canonical store key: readable sanitized fields plus a
// hash of the exact canonical encoding, so sanitization can never collide
// two distinct parameter sets.
func (k Key) String() string {
	canonical := fmt.Sprintf("index=%s|sensor=%s|start=%s|end=%s|cloud=%.2f|bbox=%s",
		k.Index, k.Sensor, k.Start, k.End, k.CloudPct, k.BBox.String())
	sum := xxhash.Sum64String(canonical)
	return fmt.Sprintf("tiles:%s:%s:%s:%s:c%.0f:h=%016x",
		sanitize(k.Index), sanitize(k.Sensor), k.Start, k.End, k.CloudPct, sum)
}

// IndexPrefix is the key prefix shared by every entry for an index, used by
// the invalidation consumer to purge by index.
func IndexPrefix(index string) string {
	return "tiles:" + sanitize(index) + ":"
}

func sanitize(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}
