/*
Package ports defines the driven ports (interfaces) of the Waymark engine.

These interfaces decouple the workflow engine from storage and coordination
backends.

# Key Interfaces

  - SessionStore: persists and loads session records; the source of truth.
  - ConditionalDeleter: optional compare-and-delete used by the expiry sweep.
  - DistributedLocker: serializes access to one session across engine instances.
*/
package ports
