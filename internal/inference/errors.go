package inference

import (
	"github.com/Hugo0713/Kunpeng-AED/internal/errors"
)

const componentInference = "inference"

var (
	// ErrClassCountMismatch is returned when the model output length differs
	// from the declared class count. Output is never truncated or padded.
	ErrClassCountMismatch = errors.New(nil).
				Component(componentInference).
				Category(errors.CategoryInference).
				Context("error", "model output length does not match class count").
				Build()

	// ErrConcurrentPredict is returned when a predict is issued while another
	// one, possibly abandoned after a timeout, is still running.
	ErrConcurrentPredict = errors.New(nil).
				Component(componentInference).
				Category(errors.CategoryState).
				Context("error", "engine is busy with another prediction").
				Build()

	// ErrPredictTimeout is returned by PredictWithDeadline when the deadline
	// passes first.
	ErrPredictTimeout = errors.New(nil).
				Component(componentInference).
				Category(errors.CategoryTimeout).
				Context("error", "prediction deadline exceeded").
				Build()

	// ErrShapeMismatch is returned when the feature matrix band count differs
	// from the model input.
	ErrShapeMismatch = errors.New(nil).
				Component(componentInference).
				Category(errors.CategoryValidation).
				Context("error", "feature bands do not match model input").
				Build()

	// ErrEngineClosed is returned after Close.
	ErrEngineClosed = errors.New(nil).
			Component(componentInference).
			Category(errors.CategoryState).
			Context("error", "inference engine closed").
			Build()
)
