// Package server hosts the Fiber HTTP service and the shared upstream client.
// Every request outside the /-/ diagnostics prefix is handed to a single
// ProxyHandler; the upstream client is a retryablehttp-backed *http.Client
// shared by install precaching and fetch fallthrough. Keep exports narrow and
// accept explicit dependencies so cmd wiring and tests can swap pieces.
package server
