// Package mongo provides a MongoDB-backed journal.Store so the in-memory
// engine can recover sessions after a process restart. Build the low-level
// client via features/journal/mongo/clients/mongo and pass it to NewStore.
package mongo
