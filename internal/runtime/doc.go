/*
Package runtime hosts the workflow Engine.

The Engine is the only writer of session records. Each mutation runs under
the session's lock on a private copy of the record, is persisted, and only
then replaces the cached copy, so a failed write never leaves the cache ahead
of the store. Reads are served from immutable cached snapshots.
*/
package runtime
