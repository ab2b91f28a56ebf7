// Package dispatch queues run requests for agents and feeds them to the
// execution environment. A request only carries the agent identity; the
// processor resolves it through the project at consume time, so a request for
// an agent that is already running is dropped rather than queued twice.
//
// Three transports share the Queue interface: an in-process channel, a Redis
// list (LPUSH/BRPOP) and a RabbitMQ queue with manual acknowledgement.
package dispatch
