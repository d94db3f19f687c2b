// Package rabbitmq holds the AMQP 0-9-1 plumbing behind the RabbitMQ
// transport.
//
// This package includes:
//   - ConnectionManager: owns the connection and reconnects when it drops
//   - ChannelPool: reuses channels for short operations
//   - Publisher: single-attempt publishing to the default exchange, with
//     optional publisher confirms
//   - Consumer: consumers identified by tag, each on a dedicated channel
//   - TopologyManager: declares and deletes request and reply queues
//
// Reply queues are exclusive to the connection that declared them. They do
// not survive a reconnect, so callers waiting on one fall back to their own
// deadline.
package rabbitmq
