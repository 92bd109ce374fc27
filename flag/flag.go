// Package flag is the command line of the monitor.
package flag

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var errSizeOverflow = errors.New("size overflows int")

var unitShift = map[string]uint{
	"":  0,
	"k": 10,
	"m": 20,
	"g": 30,
}

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base
// strconv.ParseUint accepts with base 0.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	shift, ok := unitShift[strings.ToLower(unit)]
	if !ok {
		return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	if amt > math.MaxInt>>shift {
		return -1, fmt.Errorf("%q: %w", s, errSizeOverflow)
	}

	return int(amt) << shift, nil
}
