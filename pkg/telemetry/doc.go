// Package telemetry provides observability instrumentation for the provisioning engine.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and in-process event publishing.
//
// # Architecture
//
//  1. Structured Logging - component loggers with run, task and resource fields
//  2. Distributed Tracing - spans per propagation, task, reconcile run, page and connector call
//  3. Metrics Collection - pool, connector, propagation, reconciliation and queue metrics
//  4. Event Publishing - propagation, reconcile and pool events for audit subscribers
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	pools := pool.NewManager(pool.Config{
//	    Factory: registry,
//	    Metrics: tel.Metrics,
//	    Events:  tel.Events,
//	})
//
// The metrics are registered on a private registry exposed by Metrics.Handler,
// which `provisio serve` mounts at /metrics.
//
// # Nil Safety
//
// *Metrics, *Tracer and *EventPublisher are all usable as nil values, in
// which case they record nothing. Components take them as optional
// dependencies and never check for nil themselves.
package telemetry
