/*
Package domain contains the core workflow model of Waymark.

It defines the closed stage enumeration, the stage graph (edges and per-stage
field requirements), the session record and the pure validation rules used by
the engine. This package is kept free of I/O and persistence.

# Key Entities

  - Stage: one position in the workflow; AllowedTargets and RequiredFields form the graph.
  - Fields: the closed set of collected values the graph may require.
  - Session: the durable record (stage, fields, side data, history, timestamps).
  - Verdict / StageInfo: the diagnostics callers use to self-correct.
*/
package domain
