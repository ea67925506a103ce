package registry

// Service is the lifecycle every agent service implements. Start must not
// block; long-running work happens in goroutines owned by the service.
type Service interface {
	Start() error
	Stop() error
}
