package retrypolicy

import (
	"time"

	"github.com/abecu-hub/go-bus-docsaga/pkg/servicebus"
)

var sleep = time.Sleep

//Multiplies the retry count with the given backoff duration to gradually reduce the retry frequency.
func Backoff(backoffDuration time.Duration) servicebus.RetryPolicy {
	return func(retryCount int, retry func() error) error {
		sleep(backoffDuration * time.Duration(retryCount))
		return retry()
	}
}

//Waits for the given duration until the next retry.
func Simple(duration time.Duration) servicebus.RetryPolicy {
	return func(retryCount int, retry func() error) error {
		sleep(duration)
		return retry()
	}
}

//Retries right away. Suits optimistic concurrency conflicts, which are usually resolved by simply reloading.
func Immediate() servicebus.RetryPolicy {
	return func(retryCount int, retry func() error) error {
		return retry()
	}
}

//Doubles the wait with every retry, starting at base and never waiting longer than max.
func Exponential(base time.Duration, max time.Duration) servicebus.RetryPolicy {
	return func(retryCount int, retry func() error) error {
		wait := base
		for i := 1; i < retryCount && wait < max; i++ {
			wait *= 2
		}
		if wait > max {
			wait = max
		}
		sleep(wait)
		return retry()
	}
}
