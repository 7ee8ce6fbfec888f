// Package store holds the persistence backends for the auth core: an in-memory
// store, a SQL store shared by SQLite and Postgres, and a Redis session store.
package store
