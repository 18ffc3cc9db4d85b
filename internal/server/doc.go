// Package server hosts the Fiber HTTP service and its request middleware
// chain. It tags each request with an ID, keeps the /-/ diagnostics namespace
// for the routes package, and hands every other path to a ProxyHandler.
// Keep exports narrow and accept explicit dependencies.
package server
