// Package sink provides completion observers for the execution environment:
// a run history table in MySQL or a local SQLite file, result events on Redis
// pub/sub and a RabbitMQ exchange, and an audit-log writer. Fanout combines
// them into the single observer the environment accepts and keeps one failing
// sink from starving the others.
package sink
