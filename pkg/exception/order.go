package exception

import "github.com/yanun0323/errors"

// Order lifecycle violations. These are fatal to the caller.
var (
	ErrOrderAlreadyProcessed = errors.New("order: already processed")
	ErrOrderNotActive        = errors.New("order: not active")
	ErrOrderAlreadyFilled    = errors.New("order: already filled")
	ErrDuplicateOrder        = errors.New("order: already registered")
	ErrInvalidTransition     = errors.New("order: invalid state transition")
	ErrInvalidExecution      = errors.New("order: invalid execution")
)

// Order configuration errors, raised before any state mutation.
var (
	ErrInvalidQuantity = errors.New("order: invalid quantity")
	ErrInvalidPrice    = errors.New("order: invalid price")
	ErrInvalidAction   = errors.New("order: invalid action")
	ErrInvalidType     = errors.New("order: invalid type")
)
