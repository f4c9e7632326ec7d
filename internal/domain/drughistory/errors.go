package drughistory

import "errors"

// ErrInvalidArgument marks validation failures: nil required references,
// missing required enums, future-dated cutoffs. Raised before any batch work
// begins so a rejected call leaves no partial side effects.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrConstraintViolation marks operations rejected to protect referential
// integrity, such as purging a regimen that still carries drug associations.
var ErrConstraintViolation = errors.New("constraint violation")
