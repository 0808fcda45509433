// Package link coordinates the connection lifecycle with a UBP peripheral.
//
// A Coordinator is a synchronous state machine: it owns the selected device,
// the scan window, the single-slot deferred action and the frame decoder, and
// must be driven from one goroutine. A Session provides that goroutine: every
// command, adapter event and timer firing is posted onto one channel and
// applied in order, so Coordinator state needs no locks.
//
// Radio specifics live behind the Adapter interface; results are reported
// through a Handler.
package link
