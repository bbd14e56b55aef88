package approver

import "errors"

// ErrNotFound reports an operation referencing a signature or email with no
// backing record. Administrative callers surface it; the engine treats it as
// a natural no-op wherever the operation is idempotent.
var ErrNotFound = errors.New("record not found")
