// SPDX-License-Identifier: ISC

package queryperf

import "errors"

// Sentinel errors returned by this package. Callers should match with
// [errors.Is] since several of these are wrapped with additional
// context (the offending line, the bad flag value, etc).
var (
	// ErrParse indicates a malformed input line. The repository logs
	// and skips the line rather than treating this as fatal.
	ErrParse = errors.New("queryperf: malformed input line")

	// ErrEmptyInput indicates that [Repository.NextRequest] could not
	// find a single non-empty, parseable line after the bounded number
	// of attempts, or that [Repository.Load] found none before
	// end-of-file.
	ErrEmptyInput = errors.New("queryperf: empty or exhausted input")

	// ErrAlreadyLoaded indicates a second call to [Repository.Load].
	ErrAlreadyLoaded = errors.New("queryperf: repository already preloaded")

	// ErrAfterLoad indicates a repository mutator was called after
	// [Repository.Load].
	ErrAfterLoad = errors.New("queryperf: repository mutated after preload")

	// ErrAfterRun indicates a [*Dispatcher] setter was called after
	// [*Dispatcher.Run].
	ErrAfterRun = errors.New("queryperf: dispatcher configured after run")

	// ErrExternalRepository indicates an operation that requires an
	// owned repository (preload, class/protocol/EDNS/DNSSEC setters)
	// was attempted on a dispatcher constructed with an external
	// [MessageManager] and [*ContextFactory].
	ErrExternalRepository = errors.New("queryperf: operation requires an owned repository")

	// ErrInvalidProtocol indicates a protocol other than UDP or TCP.
	ErrInvalidProtocol = errors.New("queryperf: invalid transport protocol")

	// ErrStdinWithMultipleWorkers indicates an attempt to run more than
	// one worker against a standard-input data source.
	ErrStdinWithMultipleWorkers = errors.New("queryperf: cannot use standard input with more than one worker")
)
