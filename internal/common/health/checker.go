package health

// Checker reports whether a component is healthy.
type Checker interface {
	Check() error
}
