package fileio

import (
	"bufio"
	"os"
	"path/filepath"

	"warpreceiver/protocol"
)

// LocalFileCreator creates block sinks rooted under a local directory, the
// same shape as the teacher's BufferedFactory/BufferedWriter pair, adapted
// to open at an arbitrary offset (so a resumed block can continue where it
// left off) and to honor SkipWrites for dry-run receivers.
type LocalFileCreator struct {
	RootDir     string
	BufferSize  int
	SkipWrites  bool
}

// OpenForBlock creates (or reopens) the file named by details.FileName
// under RootDir, seeks to details.OffsetInFile, and returns a FileWriter
// bound to it.
func (c *LocalFileCreator) OpenForBlock(details *protocol.BlockDetails) (FileWriter, error) {
	if c.SkipWrites {
		return &discardWriter{}, nil
	}
	path := filepath.Join(c.RootDir, filepath.Clean(details.FileName))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(details.OffsetInFile, os.SEEK_SET); err != nil {
		f.Close()
		return nil, err
	}
	bufSize := c.BufferSize
	if bufSize <= 0 {
		bufSize = 65536
	}
	return &localBlockWriter{
		file:   f,
		writer: bufio.NewWriterSize(f, bufSize),
	}, nil
}

// localBlockWriter is the default FileWriter: a buffered sink over a
// single os.File, opened already positioned at the block's start offset.
type localBlockWriter struct {
	file         *os.File
	writer       *bufio.Writer
	totalWritten int64
}

func (w *localBlockWriter) Write(p []byte) error {
	n, err := w.writer.Write(p)
	w.totalWritten += int64(n)
	return err
}

func (w *localBlockWriter) TotalWritten() int64 {
	return w.totalWritten
}

func (w *localBlockWriter) Close() error {
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// discardWriter accepts and counts bytes without touching disk, used when
// LocalFileCreator.SkipWrites is set (benchmark / dry-run mode).
type discardWriter struct {
	totalWritten int64
}

func (w *discardWriter) Write(p []byte) error {
	w.totalWritten += int64(len(p))
	return nil
}

func (w *discardWriter) TotalWritten() int64 { return w.totalWritten }
func (w *discardWriter) Close() error        { return nil }
