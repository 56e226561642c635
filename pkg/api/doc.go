/*
Package api implements mdhub's ops HTTP surface.

This is liveness/readiness/metrics only; the gateway control surface
(start/stop a gateway, list accounts, trigger a manual failover) is out of
scope per the purpose statement and is not implemented here.

# Endpoints

	/health   - bare liveness check, always 200 while the process is alive
	/ready    - 200 once every registered component's ReadinessCheck passes
	/metrics  - mounted Prometheus handler (see pkg/metrics)

# Usage

	hs := api.NewHealthServer(map[string]api.ReadinessCheck{
		"supervisor": func() (bool, string) { return c.Started(), "" },
	})
	go hs.Start(":9090")

# Integration Points

This package integrates with cmd/mdhub (supplies the readiness checks at
wiring time, backed by core.Core.Started) and pkg/metrics (mounted
handler).
*/
package api
