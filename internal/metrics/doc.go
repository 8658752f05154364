// Package linkmetrics exports udplink connection and fault-injection
// counters to Prometheus.
package linkmetrics
