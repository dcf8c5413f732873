// Package log provides structured logging for the gate using zerolog.
//
// Call Init once at process start with the desired level and format, then
// use WithComponent (or the package-level Info/Debug/Warn/Error helpers)
// from any package that needs to log.
package log
