package page

import "errors"

// Meta validation failures, as returned by Meta.Validate. internal/page
// declares its own because it cannot import the root package (which
// imports internal/page). The root package's errors.go has kinds of the
// same names; these values are not converted into them.
var (
	ErrInvalidMagic    = errors.New("page: invalid magic")
	ErrInvalidVersion  = errors.New("page: invalid version")
	ErrInvalidChecksum = errors.New("page: invalid checksum")
)
