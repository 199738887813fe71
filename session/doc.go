// Package session defines the Session Store contract (Store, Session,
// Filter) together with its implementations: a volatile in-memory store
// (NewVolatileStore) and a file-backed store (FileStore).
//
// Add additional backends (Redis, Postgres, Firestore, etc.) in sub‑packages
// without changing any calling code – only the wiring layer needs to decide
// which implementation to instantiate.
package session
