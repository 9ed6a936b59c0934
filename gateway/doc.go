// Package gateway defines the remote data contract the messenger core is
// built on, together with its domain types and error taxonomy.
//
// A Gateway fetches profiles, chat lists and messages, sends messages,
// pushes realtime inserts and performs the fire-and-forget chat metadata
// writes. The supabase subpackage implements it over PostgREST and Phoenix
// realtime; Memory implements it in process for tests and offline demos.
//
// Backend failures are reported with errors matching ErrTransient,
// ErrPermissionDenied or ErrNotFound, and Classify maps any error onto that
// taxonomy.
package gateway
