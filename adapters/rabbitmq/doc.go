/*
Package rabbitmq provides a RabbitMQ transport for the event bus.
Subjects map to routing keys on the durable "integration" topic exchange; each subscription
consumes an exclusive queue bound to its subject. Dropped sessions are re-dialed with jittered
backoff up to DialOptions.MaxReconnects times.
*/
package rabbitmq
