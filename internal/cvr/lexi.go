package cvr

import (
	"fmt"
	"strconv"

	"github.com/kartikbazzad/bunbase/bunsync/internal/errors"
)

// LexiVersion is a version string whose byte order matches numeric order:
// a base-36 number prefixed with one base-36 digit holding its length - 1.
type LexiVersion = string

// VersionToLexi encodes n, e.g. 0 -> "00", 35 -> "0z", 36 -> "110".
func VersionToLexi(n uint64) LexiVersion {
	s := strconv.FormatUint(n, 36)
	return strconv.FormatUint(uint64(len(s)-1), 36) + s
}

// VersionFromLexi decodes a LexiVersion, rejecting non-canonical encodings.
func VersionFromLexi(v LexiVersion) (uint64, error) {
	if len(v) < 2 {
		return 0, fmt.Errorf("%w: %q is too short", errors.ErrInvalidVersion, v)
	}
	n, err := strconv.ParseUint(v[1:], 36, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", errors.ErrInvalidVersion, v, err)
	}
	if VersionToLexi(n) != v {
		return 0, fmt.Errorf("%w: %q is not canonical", errors.ErrInvalidVersion, v)
	}
	return n, nil
}
