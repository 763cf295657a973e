// Package logx provides structured logging for the delivery engine.
//
// It wraps zerolog behind a small Field-based API so call sites stay
// stable if the backend changes, and supports live reconfiguration of
// sinks/levels via Service.Apply().
package logx
