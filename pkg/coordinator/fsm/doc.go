// Package fsm holds the replicated pipe task table of the coordinator.
//
// The FSM is applied on every node via Raft. It stores one PipeRecord per
// pipe name in BoltDB, so the table survives a full cluster restart.
//
// # Pipe states
//
//	CREATED ---> RUNNING <---> STOPPED
//	   |            |             |
//	   +------------+-------------+---> DROPPED
//
// DROPPED is a tombstone. A later CREATE with the same name replaces it and
// starts a new generation; the generation is the raft index of that CREATE.
//
// # Commands
//
// CREATE inserts a record. TRANSITION carries the state the proposer read
// (from) and the state it wants (to); it is rejected when the record moved
// on in between, so two racing proposals cannot both win. HISTORY_DONE marks
// one region of one generation as fully scanned.
//
// Every applied entry advances applied_index in the same BoltDB transaction,
// and entries at or below it are skipped. Replaying the raft log after a
// restart is therefore a no-op.
//
// Callbacks fire after commit on the raft apply goroutine and must not block.
package fsm
