// Package api hosts the HTTP façade for submitting crawl tasks and reading
// their results. Notable routes:
//   - GET /bilibili_crawl/run queues a task and returns its id.
//   - GET /bilibili_crawl/result returns the stored task record.
//   - GET /bilibili_crawl/export streams the dialogue transcript.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
