// Package stores persists the provisioning engine's state in SQLite.
//
// SQLiteStore implements the engine's collaborator interfaces on a single
// database file:
//
//   - engine.TaskRecorder: propagation tasks and every execution attempt
//   - engine.TaskQueue: the re-attempt queue, ordered by due time
//   - engine.SyncTokenStore: incremental sync tokens per resource and object class
//   - engine.ReportRecorder: the provisioning reports of pull and push runs
//   - engine.IdentityStore: a local identity store for workspaces without one
//
// The schema is managed with golang-migrate from embedded SQL files. The
// database runs in WAL mode with a busy timeout; an in-memory path is
// limited to one connection so every query sees the same database.
package stores
