// Package mongo provides a MongoDB-backed session.Store. Build the low-level
// client via features/session/mongo/clients/mongo and pass it to NewStore so
// session lifecycle records survive orchestrator restarts and can be shared
// by several orchestrator processes.
package mongo
