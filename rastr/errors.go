package rastr

import "errors"

// Sentinel errors returned by the core. Match with errors.Is; wrapped
// errors carry operation context.
var (
	// ErrClosed indicates an operation on a dataset whose Close finalizer
	// has already run.
	ErrClosed = errors.New("rastr: dataset is closed")

	// ErrInvalidBand indicates a band index outside [1, BandCount].
	ErrInvalidBand = errors.New("rastr: invalid band index")

	// ErrWindow indicates a pixel window extending outside the raster extent.
	ErrWindow = errors.New("rastr: access window out of range")

	// ErrRecursiveOpen indicates an open request that cycled back into
	// itself from within a driver's open routine.
	ErrRecursiveOpen = errors.New("rastr: recursive open detected")

	// ErrNoDriver indicates that no registered driver matched the open
	// request (or the allow-list excluded all matching drivers).
	ErrNoDriver = errors.New("rastr: no driver matched")

	// ErrReadOnly indicates a write attempt on a dataset opened read-only.
	ErrReadOnly = errors.New("rastr: dataset opened read-only")

	// ErrCancelled indicates that a progress callback requested
	// cancellation before the operation completed.
	ErrCancelled = errors.New("rastr: operation cancelled by progress callback")

	// ErrIO is the generic per-band transfer failure. Buffer contents are
	// unspecified after an ErrIO; completed bands are not rolled back.
	ErrIO = errors.New("rastr: raster I/O failed")
)
