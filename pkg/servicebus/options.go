package servicebus

import (
	"go.uber.org/zap"
)

func UseLogger(logger *zap.Logger) func(endpoint *Endpoint) {
	return func(endpoint *Endpoint) {
		endpoint.logger = logger
	}
}

//Handle up to n received messages at the same time. Defaults to one at a time.
func UseConcurrency(n int) func(endpoint *Endpoint) {
	return func(endpoint *Endpoint) {
		if n > 0 {
			endpoint.concurrency = n
		}
	}
}
