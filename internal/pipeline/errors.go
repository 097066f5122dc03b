package pipeline

import "github.com/Hugo0713/Kunpeng-AED/internal/errors"

const componentPipeline = "pipeline"

var (
	// ErrShutdownTimeout is returned by Wait when the goroutines outlive the
	// deadline. Callers should treat it as fatal.
	ErrShutdownTimeout = errors.New(nil).
				Component(componentPipeline).
				Category(errors.CategoryTimeout).
				Context("error", "pipeline did not stop in time").
				Build()

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New(nil).
				Component(componentPipeline).
				Category(errors.CategoryState).
				Context("error", "pipeline already started").
				Build()
)
