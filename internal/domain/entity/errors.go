package entity

import "errors"

var (
	ErrCoordinationUnavailable = errors.New("coordination store unavailable")
	ErrOracleTimeout           = errors.New("oracle timeout")
	ErrOracleInvalidResponse   = errors.New("oracle invalid response")
	ErrActionExecution         = errors.New("action execution failed")
	ErrAgentTimeout            = errors.New("agent did not acknowledge shutdown")
	ErrRunAborted              = errors.New("run aborted")
	ErrRunFailed               = errors.New("run failed")
	ErrInvalidFinding          = errors.New("invalid finding")
	ErrInvalidConfig           = errors.New("invalid config")
)
