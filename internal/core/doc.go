// Package core implements the backend instance lifecycle: credential
// resolution, port reservation, executable provisioning, process
// supervision, readiness gating, deploys, and the authenticated runtime
// API, plus a bounded pool of instances for parallel consumers.
//
// The exported surface of this module wraps this package; see the root
// package for the user-facing API.
package core
