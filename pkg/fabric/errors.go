package fabric

import (
	"errors"
	"fmt"
)

var (
	ErrPolicyBlocked      = errors.New("blocked by group policy")
	ErrSwitchOff          = errors.New("switch is off")
	ErrStoreNotFound      = errors.New("pending command store not found")
	ErrProducerNotFound   = errors.New("event producer not found")
	ErrTimeout            = errors.New("command timed out")
	ErrClosed             = errors.New("execution context closed")
	ErrHandlerExists      = errors.New("a handler is already bound for this kind")
	ErrHandlerNotFound    = errors.New("no handler bound for this kind")
	ErrInvalidHandler     = errors.New("handler must implement EventHandler or CommandHandler")
	ErrNoDestinations     = errors.New("no destination group or nodes")
	ErrSynchronizerExists = errors.New("synchronizer already registered")
	ErrDispatcherStopped  = errors.New("dispatcher stopped")
	ErrDuplicateCommand   = errors.New("a command with this ID is already pending")
)

// ExecutionError is a failure raised by a handler or a synchronizer.
type ExecutionError struct {
	// Source names the handler kind or synchronizer.
	Source string
	// Phase is handle, execute, pull or push.
	Phase string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Source, e.Phase, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// recovered turns a recovered panic value into an error.
func recovered(v interface{}) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
