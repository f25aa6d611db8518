package receiver

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"warpreceiver/constants"
	"warpreceiver/controller"
	"warpreceiver/fileio"
	"warpreceiver/protocol"
	"warpreceiver/throttle"
	"warpreceiver/translog"
)

func testLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeParent is a minimal SessionParent for single-worker tests that don't
// need a real sibling pool.
type fakeParent struct {
	mu          sync.Mutex
	checkpoints []protocol.Checkpoint
	transferID  string
	version     int
	abort       protocol.ErrorKind
	chunksInfo  []protocol.FileChunksInfo
}

func (p *fakeParent) GetNewCheckpoints(since int64) []protocol.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if since >= int64(len(p.checkpoints)) {
		return nil
	}
	return append([]protocol.Checkpoint(nil), p.checkpoints[since:]...)
}

func (p *fakeParent) AddCheckpoint(cp protocol.Checkpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpoints = append(p.checkpoints, cp)
}

func (p *fakeParent) HasNewTransferStarted() bool            { return false }
func (p *fakeParent) GetCurAbortCode() protocol.ErrorKind     { return p.abort }
func (p *fakeParent) GetFileChunksInfo() []protocol.FileChunksInfo { return p.chunksInfo }
func (p *fakeParent) GetTransferID() string                  { return p.transferID }
func (p *fakeParent) GetProtocolVersion() int                 { return p.version }
func (p *fakeParent) StartNewGlobalSession(peerIP string)     {}

func newTestWorker(t *testing.T, parent SessionParent, opts *Options, rootDir string) *Worker {
	t.Helper()
	ctrl := controller.NewThreadsController(1)
	ctrl.RegisterThread(0)
	fc := &fileio.LocalFileCreator{RootDir: rootDir, BufferSize: 4096}
	th := throttle.NewTokenBucket(0)
	tl := translog.NoopLogManager{}
	w := NewWorker(0, 0, opts, ctrl, parent, fc, th, tl, testLogger(), context.Background())
	return w
}

func dialWorker(t *testing.T, w *Worker) net.Conn {
	t.Helper()
	addr := w.Addr()
	require.NotNil(t, addr)
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	return conn
}

func encodeSettingsFrame(version int, s *protocol.Settings) []byte {
	buf := make([]byte, 1+protocol.KMaxVersion+protocol.KMaxSettings)
	buf[0] = protocol.SettingsCmd
	off, ok := protocol.EncodeVersion(buf, 1, len(buf), version)
	if !ok {
		panic("settings frame: version overflow")
	}
	off, ok = protocol.EncodeSettings(buf, off, len(buf), s)
	if !ok {
		panic("settings frame: settings overflow")
	}
	return buf[:off]
}

func encodeFileHeaderFrame(details *protocol.BlockDetails, transferStatus byte) []byte {
	header := make([]byte, protocol.KMaxHeader)
	off, ok := protocol.EncodeHeader(header, 0, len(header), details)
	if !ok {
		panic("file header overflow")
	}
	header = header[:off]

	buf := make([]byte, 0, 1+1+2+len(header))
	buf = append(buf, protocol.FileCmd, transferStatus)
	lenField := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenField, uint16(len(header)))
	buf = append(buf, lenField...)
	buf = append(buf, header...)
	return buf
}

func encodeFooterFrame(checksum uint32) []byte {
	buf := make([]byte, 1+protocol.KMaxFooter)
	buf[0] = protocol.FooterCmd
	off, ok := protocol.EncodeFooter(buf, 1, len(buf), int32(checksum))
	if !ok {
		panic("footer overflow")
	}
	return buf[:off]
}

func encodeDoneFrame(status protocol.ErrorKind, numBlocks, totalBytes int64) []byte {
	buf := make([]byte, 1+protocol.KMaxDone)
	buf[0] = protocol.DoneCmd
	off, ok := protocol.EncodeDone(buf, 1, len(buf), status, numBlocks, totalBytes)
	if !ok {
		panic("done overflow")
	}
	return buf[:off]
}

func readExactly(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestHappyPathSingleBlock(t *testing.T) {
	dir := t.TempDir()
	parent := &fakeParent{transferID: "T", version: constants.PROTOCOL_VERSION}
	opts := DefaultOptions()
	opts.BufferSize = 4096
	opts.MaxAcceptRetries = 5
	opts.AcceptTimeoutMillis = 500

	w := newTestWorker(t, parent, opts, dir)

	statsCh := make(chan Stats, 1)
	go func() { statsCh <- w.Run() }()

	conn := dialWorker(t, w)
	defer conn.Close()

	settings := &protocol.Settings{
		TransferID:         "T",
		ReadTimeoutMillis:  2000,
		WriteTimeoutMillis: 2000,
		EnableChecksum:     true,
	}
	_, err := conn.Write(encodeSettingsFrame(constants.PROTOCOL_VERSION, settings))
	require.NoError(t, err)

	payload := []byte("hello")
	details := &protocol.BlockDetails{FileName: "a", SeqID: 0, OffsetInFile: 0, DataSize: int64(len(payload))}
	_, err = conn.Write(encodeFileHeaderFrame(details, 0))
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	checksum := crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli))
	_, err = conn.Write(encodeFooterFrame(checksum))
	require.NoError(t, err)

	_, err = conn.Write(encodeDoneFrame(protocol.Ok, 1, int64(len(payload))))
	require.NoError(t, err)

	doneByte := readExactly(t, conn, 1)
	require.Equal(t, protocol.DoneCmd, doneByte[0])
	_, err = conn.Write([]byte{protocol.DoneCmd})
	require.NoError(t, err)
	conn.Close()

	stats := <-statsCh
	require.Equal(t, protocol.Ok, stats.LocalErrorCode)
	require.EqualValues(t, 1, stats.NumBlocks)
	require.EqualValues(t, 1, stats.NumFiles)
	require.EqualValues(t, len(payload), stats.DataBytes)

	data, err := os.ReadFile(filepath.Join(dir, "a"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestChecksumMismatchReturnsToAccept(t *testing.T) {
	dir := t.TempDir()
	parent := &fakeParent{transferID: "T", version: constants.PROTOCOL_VERSION}
	opts := DefaultOptions()
	opts.BufferSize = 4096
	opts.MaxAcceptRetries = 2
	opts.AcceptTimeoutMillis = 300
	opts.AcceptWindowMillis = 300

	w := newTestWorker(t, parent, opts, dir)
	statsCh := make(chan Stats, 1)
	go func() { statsCh <- w.Run() }()

	conn := dialWorker(t, w)

	settings := &protocol.Settings{TransferID: "T", ReadTimeoutMillis: 500, WriteTimeoutMillis: 500, EnableChecksum: true}
	_, err := conn.Write(encodeSettingsFrame(constants.PROTOCOL_VERSION, settings))
	require.NoError(t, err)

	payload := []byte("hello")
	details := &protocol.BlockDetails{FileName: "b", SeqID: 0, OffsetInFile: 0, DataSize: int64(len(payload))}
	_, err = conn.Write(encodeFileHeaderFrame(details, 0))
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	badChecksum := crc32.Checksum(payload, crc32.MakeTable(crc32.Castagnoli)) ^ 0xFF
	_, err = conn.Write(encodeFooterFrame(badChecksum))
	require.NoError(t, err)
	conn.Close()

	// The worker returns to ACCEPT_WITH_TIMEOUT and will time out waiting
	// for a reconnection that never comes; abort it so Run returns.
	time.Sleep(50 * time.Millisecond)
	parent.mu.Lock()
	parent.abort = protocol.Aborted
	parent.mu.Unlock()

	stats := <-statsCh
	require.Equal(t, protocol.Aborted, stats.LocalErrorCode)

	_, err = os.ReadFile(filepath.Join(dir, "b"))
	require.True(t, os.IsNotExist(err) || err == nil)
}

func TestVersionMismatchAborts(t *testing.T) {
	dir := t.TempDir()
	parent := &fakeParent{transferID: "T", version: constants.PROTOCOL_VERSION}
	opts := DefaultOptions()
	opts.BufferSize = 4096
	opts.MaxAcceptRetries = 2
	opts.AcceptTimeoutMillis = 300
	opts.AcceptWindowMillis = 300

	w := newTestWorker(t, parent, opts, dir)
	statsCh := make(chan Stats, 1)
	go func() { statsCh <- w.Run() }()

	conn := dialWorker(t, w)

	settings := &protocol.Settings{TransferID: "T", ReadTimeoutMillis: 500, WriteTimeoutMillis: 500}
	_, err := conn.Write(encodeSettingsFrame(constants.PROTOCOL_VERSION+1, settings))
	require.NoError(t, err)

	abortByte := readExactly(t, conn, 1)
	require.Equal(t, protocol.AbortCmd, abortByte[0])
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	parent.mu.Lock()
	parent.abort = protocol.Aborted
	parent.mu.Unlock()

	stats := <-statsCh
	require.Equal(t, protocol.Aborted, stats.LocalErrorCode)
}
