// Package metric exposes vmsnap metrics in Prometheus format.
//
// Registry owns a private prometheus.Registry with the Go and process
// collectors plus the application metrics:
//
//   - vmsnap_tasks_total / vmsnap_task_duration_seconds by kind and outcome
//   - vmsnap_merges_total by direction, mode (online, offline) and outcome
//   - vmsnap_http_requests_total / vmsnap_http_request_duration_seconds
//   - inventory gauges (machines by state, snapshots, media) read on scrape
//
// Registry implements the recorder interfaces of the task runner and the
// merge executor. The storage engine registers its own gauges through
// Registerer.
package metric
