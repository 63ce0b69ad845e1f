// Package errkind defines the error kinds shared by every layer of the
// control plane. Callers wrap these sentinels with fmt.Errorf("...: %w", ...)
// so errors.Is classifies a failure regardless of how deep it originated.
package errkind

import "errors"

var (
	// ErrInvalidArg reports a nil handle, out-of-range id, unaligned size,
	// or a parameter not valid for the current call.
	ErrInvalidArg = errors.New("invalid argument")

	// ErrInvalidState reports an operation attempted while the module or a
	// remote processor is in a state that does not permit it.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound reports a named endpoint or remote id that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists reports a second create or attach for the same id.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoMemory reports host allocation or page-table pool exhaustion.
	ErrNoMemory = errors.New("out of memory")

	// ErrNoBuffer reports an empty descriptor ring in the requested direction.
	ErrNoBuffer = errors.New("no buffer available")

	// ErrTableFull reports an exhausted address table or TLB victim window.
	ErrTableFull = errors.New("table full")

	// ErrBusy reports a resource held by another refcounted user or a full
	// shared interrupt slot.
	ErrBusy = errors.New("resource busy")

	// ErrIO reports a hardware status bit that did not assert within the
	// poll bound.
	ErrIO = errors.New("hardware i/o error")

	// ErrNotSupported reports a feature disabled by configuration or not
	// present on this hardware revision.
	ErrNotSupported = errors.New("not supported")

	// ErrCanceled is delivered to observers during synchronous teardown.
	ErrCanceled = errors.New("canceled")

	// ErrNoTransport reports a message aimed at a remote with no established
	// transport or no such destination endpoint.
	ErrNoTransport = errors.New("no transport")

	// ErrNotMapped reports a translate or unmap over an address with no
	// live mapping.
	ErrNotMapped = errors.New("address not mapped")

	// ErrOverlap reports a mapping request that collides with a non-identical
	// existing mapping.
	ErrOverlap = errors.New("mapping overlap")

	// ErrPartialRange reports an unmap that covers only part of a mapping.
	ErrPartialRange = errors.New("partial range")

	// ErrInvalidAlign reports an address or size not aligned to any
	// supported page size.
	ErrInvalidAlign = errors.New("invalid alignment")
)

// kinds holds every sentinel, used by Of for classification.
var kinds = []error{
	ErrInvalidArg, ErrInvalidState, ErrNotFound, ErrAlreadyExists,
	ErrNoMemory, ErrNoBuffer, ErrTableFull, ErrBusy, ErrIO,
	ErrNotSupported, ErrCanceled, ErrNoTransport, ErrNotMapped,
	ErrOverlap, ErrPartialRange, ErrInvalidAlign,
}

// Of returns the sentinel kind wrapped inside err, or nil when err carries
// no known kind.
func Of(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
