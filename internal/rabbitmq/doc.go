// Package rabbitmq holds the AMQP plumbing behind the RabbitMQ transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and re-dials it when the broker drops it
//   - ChannelPool: channels opened in confirm mode or in tx mode
//   - Publisher: confirmed publishes, asynchronous confirms, batches and AMQP transactions
package rabbitmq
