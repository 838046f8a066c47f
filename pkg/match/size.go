package match

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// ErrInvalidSize is returned for unparseable size strings.
var ErrInvalidSize = errors.New("invalid size")

// Size units. KB/MB/GB are decimal, KiB/MiB/GiB binary.
const (
	KB int64 = 1000
	MB       = 1000 * KB
	GB       = 1000 * MB
	TB       = 1000 * GB

	KiB int64 = 1024
	MiB       = 1024 * KiB
	GiB       = 1024 * MiB
	TiB       = 1024 * GiB
)

var units = map[string]int64{
	"": 1, "B": 1,
	"K": KB, "KB": KB, "M": MB, "MB": MB, "G": GB, "GB": GB, "T": TB, "TB": TB,
	"KI": KiB, "KIB": KiB, "MI": MiB, "MIB": MiB, "GI": GiB, "GIB": GiB, "TI": TiB, "TIB": TiB,
}

// ParseSize parses "1048576", "100MiB", "1.5GB" and similar. Units are case
// insensitive and may be separated from the number by spaces.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	end := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if end == -1 {
		end = len(s)
	}
	if end == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}

	mult, ok := units[strings.ToUpper(strings.TrimSpace(s[end:]))]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit in %q", ErrInvalidSize, s)
	}

	num, err := strconv.ParseFloat(s[:end], 64)
	if err != nil || math.IsInf(num, 0) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, s)
	}
	total := num * float64(mult)
	if total >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalidSize, s)
	}
	return int64(total), nil
}

// FormatSize renders n with binary units, one decimal place.
func FormatSize(n int64) string {
	for _, u := range []struct {
		size int64
		name string
	}{{TiB, "TiB"}, {GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}} {
		if n >= u.size {
			return fmt.Sprintf("%.1f%s", float64(n)/float64(u.size), u.name)
		}
	}
	return fmt.Sprintf("%dB", n)
}

// Filter combines a Matcher with size bounds for listing entries.
type Filter struct {
	Matcher *Matcher

	// MinSize drops files smaller than this many bytes. Folders are exempt.
	MinSize int64

	// MaxSize drops files larger than this many bytes when positive.
	MaxSize int64
}

// Keep reports whether e survives every filter.
func (f Filter) Keep(e provider.FileEntry) bool {
	if f.Matcher != nil && !f.Matcher.Match(e.Name) {
		return false
	}
	if e.IsFolder() {
		return true
	}
	if e.Size < f.MinSize {
		return false
	}
	return f.MaxSize <= 0 || e.Size <= f.MaxSize
}
