package rabbitmq

import "go.uber.org/zap"

func UseDefaultTopology(exchange string) func(*Transport) {
	return func(rmq *Transport) {
		rmq.topology = &DefaultTopology{
			Exchange:  exchange,
			Transport: rmq,
		}
	}
}

func UsePriorityQueue(maxPriority uint8) func(*Transport) {
	return func(rmq *Transport) {
		if rmq.InputQueue.Args == nil {
			rmq.InputQueue.Args = make(map[string]interface{})
		}
		rmq.InputQueue.Args["x-max-priority"] = maxPriority
	}
}

//Limit the number of unacknowledged messages delivered to the endpoint at a time.
func UsePrefetch(count int) func(*Transport) {
	return func(rmq *Transport) {
		rmq.prefetch = count
	}
}

func UseLogger(logger *zap.Logger) func(*Transport) {
	return func(rmq *Transport) {
		rmq.logger = logger
	}
}
