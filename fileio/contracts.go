// Package fileio defines the contracts the receiver core consumes for
// putting bytes on disk (FileCreator, FileWriter) and provides one default,
// local-disk implementation of them. Per the core's scope, callers are free
// to supply their own -- these are "external collaborators" the state
// machine only ever talks to through the interfaces below.
package fileio

import "warpreceiver/protocol"

// FileWriter accepts sequential bytes for one block and reports how many
// bytes it has actually committed so far. TotalWritten must be monotone.
type FileWriter interface {
	Write(p []byte) error
	TotalWritten() int64
	Close() error
}

// FileCreator opens a sink for a named logical block.
type FileCreator interface {
	OpenForBlock(details *protocol.BlockDetails) (FileWriter, error)
}
