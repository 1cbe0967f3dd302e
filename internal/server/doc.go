// Package server owns the request server: one guest instance bound to one
// control block for the lifetime of the process.
//
// Ownership boundary:
// - control block creation, initialization and the owner lock
//
// - guest compilation, instantiation and the host capabilities
//
// - checkpoint writes on a guest pause request
//
// Lifecycle order:
// - configuring -> loaded -> waiting_for_activation -> running
//
// - running -> completed | checkpointing | faulted -> terminated
//
// The server never restores memory on its own; a resumed guest asks for it
// through the restore capability.
package server
