// Package config loads worker configuration from an optional taskq.yaml
// file and TASKQ_-prefixed environment variables, applies defaults and
// validates the result.
//
// Environment variables take precedence over the file. Nested keys use an
// underscore, e.g. TASKQ_BROKER_URL or TASKQ_WORKER_TIME_LIMIT. Queues can
// be given as TASKQ_QUEUES="default:4,compute:2".
package config
