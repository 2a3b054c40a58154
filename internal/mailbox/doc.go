// Package mailbox provides the FIFO queues two agents use to talk to each
// other. A mailbox is the only state the peers share: one agent's outbox is
// the other's inbox. Implementations exist for in-process use and for Redis
// and RabbitMQ so that external callers can inject messages.
package mailbox
