/*
Package log provides structured logging for dedupd using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all dedupd packages
  - Thread-safe concurrent writes

Configuration:
  - Level: debug/info/warn/error
  - Format: JSON (production) or console (development)
  - Output: stdout, file, or custom writer

Child Loggers:
  - WithComponent("checkpoint_manager") tags a subsystem's logs
  - WithPartition(topic, partition) carries the routing key every
    pipeline log line needs for correlation
  - WithCheckpoint(id) and WithHandoffPhase(phase) add the checkpoint
    and handoff context used when debugging recovery and rebalance

# Usage

	import "github.com/PostHog/dedupd/pkg/log"

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithPartition("events", 3)
	logger.Info().Int64("offset", 1042).Msg("batch classified")

JSON output:

	{
	  "level": "info",
	  "topic": "events",
	  "partition": 3,
	  "offset": 1042,
	  "time": "2024-10-13T10:30:00Z",
	  "message": "batch classified"
	}

# Log Levels

  - debug: per-record classification detail, watch event traces
  - info: lifecycle events (store opened, checkpoint exported, handoff
    completed, leadership acquired)
  - warn: recoverable conditions (import candidate rejected, lease
    keepalive miss, handoff aborted)
  - error: failed operations that surface to metrics and operators

# Monitoring

Log-Based Alerts:

High Error Rate:
  - Query: rate(log entries with level="error"[5m]) > 10
  - Action: Check recent errors, investigate root cause

Checkpoint Failures:
  - Query: log entries containing "checkpoint attempt failed"
  - Action: Check object store connectivity and disk space

Handoff Aborts:
  - Query: log entries containing "handoff aborted"
  - Action: Check warming latency, router health, pod churn

# Security

Log Content:
  - Never log event payloads or property values; similarity audits carry
    counts and top-level field names only, with no property values
    ("$"-prefixed ones included)
  - Use typed fields (.Str, .Int) for all dynamic data

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err()
  - Include context (topic, partition, checkpoint_id, handoff_phase)

Don't:
  - Log per-record detail above debug level
  - Concatenate strings (use .Str, .Int)
  - Block on log writes (use buffered output)

# Operational Notes

dedupd doesn't include built-in log rotation; use logrotate or journald in
deployment. Every log line is a single JSON object, so structured log
pipelines (Loki, Elasticsearch, Datadog) ingest the output unmodified and
can filter on component, topic, partition, checkpoint_id and handoff_phase
without parsing message text.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
