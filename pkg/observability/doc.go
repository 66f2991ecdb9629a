/*
Package observability turns engine and gate lifecycle events into logs and
Prometheus metrics.

Everything here is plain domain.LifecycleHooks, so hosts can combine it with
their own callbacks using Combine.
*/
package observability
