package inference

// Model is an opaque classifier over a [steps][bands] float input.
type Model interface {
	// Invoke runs one forward pass. input has steps*bands values.
	Invoke(input []float32) ([]float32, error)
	// InputShape returns the time steps and mel bands the model expects.
	InputShape() (steps, bands int)
	NumClasses() int
	Close() error
}
