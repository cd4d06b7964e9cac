// Package server hosts the worker's operational HTTP endpoints: liveness,
// readiness of the registry and broker, Prometheus metrics, and, in
// development, the in-memory object store.
package server
