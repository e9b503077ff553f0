// Package discovery finds running MCP instances on a fixed set of candidate
// endpoints and keeps one connection handle open per confirmed instance.
//
// A Scheduler drives a Scanner on a fixed interval. Every cycle probes all
// endpoints concurrently; a probe confirms an instance only when the
// responder's reported identity contains the configured product token, so an
// unrelated service listening on a candidate port is never adopted. Confirmed
// instances get a ConnectionHandle; tracked instances that stay silent for
// MissThreshold consecutive cycles are torn down. Catalog changes are handed
// to a CatalogNotifier through a bounded queue and never block the scan loop.
package discovery
