/*
Package session implements per-session mutual exclusion.

Every mutation of a session record (history append, field update, stage
change) runs inside Manager.WithLock. Locks are reference counted so idle
sessions cost nothing, and an optional ports.DistributedLocker extends the
critical section across engine instances sharing one store.
*/
package session
