package detectors

import "github.com/rotisserie/eris"

// Fatal detection errors. Everything the engine returns wraps one of these,
// so callers can branch with errors.Is.
var (
	// ErrInput reports a batch the engine cannot score: missing identity
	// columns, no usable feature columns, or invalid configuration.
	ErrInput = eris.New("invalid input")

	// ErrState reports a scorer used before fitting, or a missing or corrupt
	// persisted state.
	ErrState = eris.New("invalid scorer state")
)
