package orchestrator

import "errors"

// Sentinel errors for the small closed set of terminal failure kinds.
var (
	ErrCredential     = errors.New("orchestrator: no credential available for repository")
	ErrClone          = errors.New("orchestrator: clone failed")
	ErrFrameworkEmpty = errors.New("orchestrator: repository has no detectable test framework")
	ErrPublish        = errors.New("orchestrator: publish failed")
)
