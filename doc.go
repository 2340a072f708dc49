// Package pluginhost provides the lifecycle core of a plugin host: a typed
// event bus, a per-plugin state machine with recovery policies, a dependency
// resolver with health monitoring, and a snapshot-based rollback service.
//
// Key Features:
//   - Synchronous, run-to-completion event bus with panic isolation per handler
//   - Table-driven lifecycle state machine with guards, retries and backoff
//   - Event-driven dependency waits with timeouts and fail-fast rejection
//   - Periodic dependency responsiveness probes (synthetic or gRPC health)
//   - Bounded per-plugin snapshots with retention sweeps
//   - Snapshot, version and dependency-graph rollback strategies with planning
//   - Prometheus metrics, OpenTelemetry spans and structured logging
//   - Hot reload of host configuration through Argus
//
// Basic Usage:
//
//	host, err := pluginhost.NewHost(pluginhost.DefaultConfig(),
//		pluginhost.WithLogger(logger),
//		pluginhost.WithLoader(loader))
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := host.Start(); err != nil {
//		log.Fatal(err)
//	}
//	defer host.Shutdown(context.Background())
//
//	// Plugins wait for their dependencies, then load
//	err = host.LoadPlugins(ctx, records)
//
//	// Roll back to the newest snapshot
//	result, err := host.RollbackPlugin(ctx, "api", pluginhost.RollbackOptions{
//		Reason: "bad deploy",
//	})
//
// Events:
// Components talk to each other only through the EventBus. Publishing never
// happens while a component holds its own lock, so handlers may call back
// into any component.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginhost
