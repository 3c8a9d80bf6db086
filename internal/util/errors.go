package util

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrConcurrencyLimitExceeded = errors.New("container count limit exceeded")
	ErrStateConflict            = errors.New("state conflict")
	ErrLowEntropyTemplate       = errors.New("flag template entropy too low")
	ErrInvalidScoreParams       = errors.New("invalid score parameters")
	ErrQueueFull                = errors.New("submission queue is full")
	ErrSubmitTooFrequent        = errors.New("submitting too frequently")
	ErrGameNotRunning           = errors.New("game is not running")
	ErrParticipationNotAccepted = errors.New("participation not accepted")
	ErrChallengeNotAvailable    = errors.New("challenge not available")
	ErrAlreadyResolved          = errors.New("submission already resolved")
	ErrInvalidChallenge         = errors.New("invalid challenge definition")
)

// ProvisionError 容器后端创建/销毁失败
type ProvisionError struct {
	Backend string
	Op      string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Backend, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

func NewProvisionError(backend, op string, err error) *ProvisionError {
	return &ProvisionError{Backend: backend, Op: op, Err: err}
}

func IsProvisionError(err error) bool {
	var pe *ProvisionError
	return errors.As(err, &pe)
}
