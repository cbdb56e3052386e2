// Package types holds the data model shared by the session store, the
// context cache registry, persistence and the caller-facing surfaces.
package types
