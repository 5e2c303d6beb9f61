package secret

import "errors"

// ErrInvalidPath is returned for malformed paths or keys. The caller
// must fix the input; nothing was touched.
var ErrInvalidPath = errors.New("invalid path")

// ErrAccessDenied is returned when the caller's policies do not
// authorize the operation. Checked before storage, so denial never
// leaves partial side effects.
var ErrAccessDenied = errors.New("access denied")

// ErrInvalidRange is returned when a version range query has start > end.
var ErrInvalidRange = errors.New("invalid version range")
