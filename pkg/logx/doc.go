// Package logx wraps zerolog behind a small Field-based API so the rest of
// the codebase never imports zerolog directly. The zero Logger is a no-op,
// which keeps optional dependencies easy to wire.
package logx
