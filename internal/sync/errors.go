package sync

import "errors"

// ErrWorkspaceBusy is returned when the working copy is already switched to
// another revision by this process
var ErrWorkspaceBusy = errors.New("workspace already checked out")

// ErrNotInitialized is returned when a location has no revision marker yet
var ErrNotInitialized = errors.New("location not initialized")

// errConsumed is yielded when an apply sequence is ranged over a second time
var errConsumed = errors.New("apply sequence already consumed")
