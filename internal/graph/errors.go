package graph

import (
	"errors"
	"fmt"
)

// Graph construction errors.
var (
	// ErrAllocation reports that a tensor or node could not be created.
	// The enclosing builder call must roll back.
	ErrAllocation = errors.New("allocation failed")

	// ErrConfig reports a configuration contract violation detected before
	// any tensor or node was created.
	ErrConfig = errors.New("invalid configuration")

	// ErrShapeMismatch reports that an inferred shape disagrees with a
	// pre-declared output.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrUnknownOp reports a node kind missing from the registry.
	ErrUnknownOp = errors.New("unknown operator")

	// ErrNotFound reports a tensor or node id that is not in the graph.
	ErrNotFound = errors.New("not found")
)

// Stage identifies the lifecycle hook that failed.
type Stage string

// Lifecycle stages.
const (
	StageInit   Stage = "init"
	StageCheck  Stage = "check"
	StageSetup  Stage = "setup"
	StageDeinit Stage = "deinit"
)

// OpError is returned when an operator lifecycle hook fails.
type OpError struct {
	// Op is the operator kind.
	Op Kind

	// Node is the node label, see Node.Label.
	Node string

	// Stage is the hook that failed.
	Stage Stage

	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Stage, e.Node, e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpError) Unwrap() error {
	return e.Err
}

// IsStage reports whether err carries an OpError raised at stage.
func IsStage(err error, stage Stage) bool {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Stage == stage
	}
	return false
}
