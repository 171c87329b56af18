package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired      = sterrors.New("ruleflow: configuration is required")
	ErrLoggerRequired      = sterrors.New("ruleflow: logger is required")
	ErrBrokerRequired      = sterrors.New("ruleflow: broker client is required")
	ErrQueueRequired       = sterrors.New("ruleflow: delivery queue is required")
	ErrPublisherRequired   = sterrors.New("ruleflow: publisher is required")
	ErrTopicRequired       = sterrors.New("ruleflow: topic is required")
	ErrRuleNameRequired    = sterrors.New("ruleflow: rule set name is required")
	ErrStepFactoryRequired = sterrors.New("ruleflow: transform step factory is required")
	ErrAlreadyRunning      = sterrors.New("ruleflow: service is already running")
	ErrServiceStopped      = sterrors.New("ruleflow: service is stopped")
	ErrDrainTimeout        = sterrors.New("ruleflow: drain deadline exceeded")
)

// ConfigValidationError wraps the aggregated problems found by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("ruleflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
