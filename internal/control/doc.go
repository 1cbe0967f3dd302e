// Package control owns the file-backed control block shared between the
// request server and the short-lived operator commands.
//
// Ownership boundary:
// - backing file creation and mapping
//
// - process-shared semaphores (activation gate, flag lock)
//
// - the migration-requested flag
//
// Lifecycle order:
// - create -> map -> initialize (request server only)
//
// - open -> signal/set -> close (operator commands)
//
// The block carries no message channel. Every read or write of the
// migration flag happens while holding the flag lock; the activation gate is
// independent of it.
package control
