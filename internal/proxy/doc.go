// Package proxy wires the store, resource cache, dispatcher, reconciler
// and notification hub into one running service.
//
// Lifecycle:
//
//	New      open and upgrade the store, select the cache backend
//	Install  pre-cache the app shell manifest, all or nothing
//	Activate drop caches no longer in use
//	Serve    reconcile, ping upstream and answer HTTP until the context ends
//
// Besides the proxied paths, the service exposes control endpoints under
// /__offsync: events (websocket), sync and status.
package proxy
