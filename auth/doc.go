// Package auth answers "who is the current user" for the messenger client.
//
// A Provider wraps the identity backend's session and user accessors. The
// Resolver sits in front of it: concurrent callers share one in-flight
// resolution, a resolved Snapshot is served from memory for a short max age,
// and calls the provider aborts because of its internal lock are retried with
// linear backoff before the caller is treated as signed out.
//
// TokenVerifier checks session access tokens against a static HMAC secret or
// a JWKS endpoint when the deployment wants tokens verified locally.
package auth
