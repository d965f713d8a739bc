// Package idgen generates opaque, prefixed identifiers for the entities
// named across the control plane (events, commands, targets, snapshots,
// sessions, runs), so ids are unambiguous when logged or cross-referenced.
package idgen

import "github.com/google/uuid"

// New returns a new prefixed opaque id, e.g. New("evt") -> "evt_3e1a...".
func New(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// Event, Command, Target, Snapshot, Session, and Run id constructors give
// call sites a self-documenting name instead of a bare string literal.
func Event() string    { return New("evt") }
func Command() string  { return New("cmd") }
func Target() string   { return New("tgt") }
func Snapshot() string { return New("snap") }
func Session() string  { return New("sess") }
func Run() string      { return New("run") }
func Node() string     { return New("node") }
func Alert() string    { return New("alert") }
