/*
Package metrics defines and registers the Agent's Prometheus collectors:
container/gateway/job counts and the handful of operation-latency
histograms that matter for a single-host agent, the same
promauto-at-init pattern the teacher uses for its cluster metrics.

# Catalog

	softwarecontainer_containers_total{state}                    gauge
	softwarecontainer_containers_created_total{source}            counter
	softwarecontainer_containers_destroyed_total                  counter
	softwarecontainer_preload_pool_size                            gauge
	softwarecontainer_gateways_activated_total{gateway}            counter
	softwarecontainer_gateway_activation_failures_total{gateway}   counter
	softwarecontainer_jobs_running                                  gauge
	softwarecontainer_jobs_launched_total                          counter
	softwarecontainer_container_create_duration_seconds            histogram
	softwarecontainer_gateway_activation_duration_seconds          histogram
	softwarecontainer_rpc_requests_total{method,outcome}           counter
	softwarecontainer_rpc_request_duration_seconds{method}         histogram

# Usage

	timer := metrics.NewTimer()
	err := container.Create(ctx)
	timer.ObserveDuration(metrics.ContainerCreateDuration)

	http.Handle("/metrics", metrics.Handler())

# See Also

  - pkg/agent, whose Agent is the StatsSource the Collector polls every
    15s to set ContainersTotal/JobsRunning/PreloadPoolSize
  - pkg/rpc, which records RPCRequestsTotal/RPCRequestDuration per method
*/
package metrics
