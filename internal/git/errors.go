package git

import "errors"

// ErrRevisionNotFound is returned when a reference cannot be resolved to a
// commit in the local history.
var ErrRevisionNotFound = errors.New("revision not found")

// ErrUnsupportedDiffStatus is returned when git diff reports a change status
// that cannot be mapped to an upload or a delete.
var ErrUnsupportedDiffStatus = errors.New("unsupported diff status")

// ErrCheckoutFailed is returned when the working copy cannot be switched to
// the requested revision.
var ErrCheckoutFailed = errors.New("checkout failed")

// ErrStashPopConflict is returned when re-applying stashed local changes
// fails. The stash entry is kept and has to be restored by hand.
var ErrStashPopConflict = errors.New("stash pop failed")

// ErrPathNotFound is returned by ReadCommitted when the path is not part of
// the requested revision.
var ErrPathNotFound = errors.New("path not found in revision")
