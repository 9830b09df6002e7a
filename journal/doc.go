// Package journal keeps an audit trail of sandbox lifecycle transitions in
// SQLite. A *Store is attached to the sandbox.Registry as an Observer and
// backs the sandbox_history tool.
package journal
