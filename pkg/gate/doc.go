// Package gate decides whether a named tool may run for a session.
//
// A call is allowed when the session's stage is one of the tool's stages, or
// when every field in the tool's Requires set is already known, either from
// the session or from the call's own arguments (skip-ahead). Allowed calls
// run the handler and then advance the session to the tool's Advance stage
// on a best-effort basis. Refused calls return a Response carrying a
// Rejection; only persistence failures surface as errors.
package gate
