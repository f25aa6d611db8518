// Package receiver implements the per-connection receiver worker: the
// 15-state machine that accepts sender connections, parses the wire
// protocol, writes block payloads through a FileWriter, and coordinates
// with sibling workers through a shared ThreadsController.
package receiver

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"warpreceiver/controller"
	"warpreceiver/fileio"
	"warpreceiver/protocol"
	"warpreceiver/socketio"
	"warpreceiver/throttle"
	"warpreceiver/translog"
)

// SessionParent is the worker's non-owning handle to the session-wide state
// it shares with its siblings: abort signaling, transfer identity, the
// append-only checkpoint list, and resumption data. The parent must outlive
// every worker it hands out.
type SessionParent interface {
	GetNewCheckpoints(sinceIndex int64) []protocol.Checkpoint
	AddCheckpoint(cp protocol.Checkpoint)
	HasNewTransferStarted() bool
	GetCurAbortCode() protocol.ErrorKind
	GetFileChunksInfo() []protocol.FileChunksInfo
	GetTransferID() string
	GetProtocolVersion() int
	StartNewGlobalSession(peerIP string)
}

// Worker is one (threadIndex, port) receiver connection's state machine.
type Worker struct {
	threadIndex int
	port        uint16

	opts       *Options
	controller *controller.ThreadsController
	parent     SessionParent
	logger     logrus.FieldLogger

	fileCreator fileio.FileCreator
	throttler   throttle.Throttler
	transferLog translog.TransferLogManager

	ctx context.Context

	listener *net.TCPListener
	conn     net.Conn

	buf        []byte
	bufferSize int64
	off        int64
	numRead    int64
	oldOffset  int64

	checkpoint             protocol.Checkpoint
	checkpointIndex        int64
	pendingCheckpointIndex int64

	doneSendFailure           bool
	settingsReceived          bool
	senderReadTimeoutMillis   int32
	senderWriteTimeoutMillis  int32
	enableChecksum            bool
	isBlockMode               bool
	threadProtocolVersion     int
	transferLogHeaderWritten  bool

	localErr protocol.ErrorKind
	stats    Stats

	listenerReady chan struct{}
}

// Addr blocks until the worker has bound its listening socket, then
// returns its address. Meant for tests that bind to port 0 and need to
// discover the chosen port before dialing it.
func (w *Worker) Addr() net.Addr {
	<-w.listenerReady
	if w.listener == nil {
		return nil
	}
	return w.listener.Addr()
}

// NewWorker allocates a worker's buffer and binds it to its identity. The
// buffer is freed only when the worker (and this struct) is garbage
// collected -- there is no separate destructor in idiomatic Go.
func NewWorker(
	threadIndex int,
	port uint16,
	opts *Options,
	ctrl *controller.ThreadsController,
	parent SessionParent,
	fileCreator fileio.FileCreator,
	throttler throttle.Throttler,
	transferLog translog.TransferLogManager,
	logger logrus.FieldLogger,
	ctx context.Context,
) *Worker {
	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = 1
	}
	w := &Worker{
		threadIndex: threadIndex,
		port:        port,
		opts:        opts,
		controller:  ctrl,
		parent:      parent,
		fileCreator: fileCreator,
		throttler:   throttler,
		transferLog: transferLog,
		ctx:           ctx,
		bufferSize:    bufferSize,
		listenerReady: make(chan struct{}),
	}
	w.logger = logger.WithFields(logrus.Fields{"thread": threadIndex, "port": port})
	w.buf = make([]byte, bufferSize)
	w.checkpoint = protocol.NewCheckpoint(port)
	w.threadProtocolVersion = opts.ProtocolVersion
	w.isBlockMode = true
	return w
}

// Run drives the state machine to completion (END or FAILED) and returns
// the accumulated stats. It never returns until the connection's session
// role is fully resolved.
func (w *Worker) Run() (stats Stats) {
	defer func() {
		w.closeConn()
		if w.listener != nil {
			w.listener.Close()
		}
		w.controller.DeRegisterThread(w.threadIndex)
		w.controller.ExecuteAtEnd(func() {
			w.logger.Info("last worker deregistered, ending global session")
		})
		w.stats.EncryptionType = "ENC_NONE"
		stats = w.stats
	}()

	if w.buf == nil || int64(len(w.buf)) != w.bufferSize {
		w.stats.setLocalErrorCode(protocol.MemoryAllocationError)
		return w.stats
	}

	state := StateListen
	for {
		if code := w.parent.GetCurAbortCode(); code != protocol.Ok {
			w.stats.setLocalErrorCode(protocol.Aborted)
			w.logger.WithField("state", state).Info("abort observed, ending")
			return w.stats
		}
		if state == StateEnd || state == StateFailed {
			w.logger.WithField("state", state).Info("worker reached terminal state")
			return w.stats
		}
		handler, ok := stateHandlers[state]
		if !ok {
			w.logger.WithField("state", state).Error("no handler for state")
			return w.stats
		}
		next := handler(w)
		w.logger.WithFields(logrus.Fields{"from": state, "to": next}).Debug("state transition")
		state = next
	}
}

func (w *Worker) resetSession() {
	w.off = 0
	w.numRead = 0
	w.oldOffset = 0
	w.stats.reset()
	w.checkpoint = protocol.NewCheckpoint(w.port)
	w.checkpointIndex = 0
	w.pendingCheckpointIndex = 0
	w.doneSendFailure = false
	w.localErr = protocol.Ok
	w.settingsReceived = false
	w.senderReadTimeoutMillis = 0
	w.senderWriteTimeoutMillis = 0
	w.enableChecksum = false
	w.isBlockMode = true
	w.threadProtocolVersion = w.opts.ProtocolVersion
	w.transferLogHeaderWritten = false
}

// topUp ensures at least atLeast bytes are available starting at w.off,
// reading more from the connection as needed. It reports whether the
// requirement was met.
func (w *Worker) topUp(atLeast int64) bool {
	if atLeast <= 0 {
		return true
	}
	if w.off+atLeast > w.bufferSize {
		return false
	}
	if atLeast <= w.numRead {
		return true
	}
	n := socketio.ReadAtLeast(w.conn, w.buf[w.off:], w.bufferSize-w.off, atLeast, w.numRead)
	if n < 0 {
		w.numRead = 0
		return false
	}
	w.numRead = n
	return n >= atLeast
}

// consume advances the dispatch cursor past n already-decoded bytes.
func (w *Worker) consume(n int64) {
	w.off += n
	w.numRead -= n
}

func (w *Worker) writeAll(p []byte) bool {
	n, err := w.conn.Write(p)
	return err == nil && n == len(p)
}

func (w *Worker) closeConn() {
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

func (w *Worker) acceptWithDeadline(timeoutMillis int) (net.Conn, error) {
	if err := w.listener.SetDeadline(time.Now().Add(time.Duration(timeoutMillis) * time.Millisecond)); err != nil {
		return nil, err
	}
	conn, err := w.listener.Accept()
	if err != nil {
		return nil, err
	}
	w.applyDSCP(conn)
	return conn, nil
}

func (w *Worker) applyDSCP(conn net.Conn) {
	if w.opts.DSCP == 0 {
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if err := ipv4.NewConn(tcpConn).SetTOS(w.opts.DSCP << 2); err != nil {
		w.logger.WithError(err).Debug("failed to set DSCP on accepted connection")
	}
}

func connPeerIP(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	return conn.RemoteAddr().String()
}

// waitPollMillis is the funnel/condvar poll interval: the sender's
// announced read timeout divided by WaitTimeoutFactor, with safe fallbacks
// before settings have ever been received.
func (w *Worker) waitPollMillis() int {
	rt := int(w.senderReadTimeoutMillis)
	if rt <= 0 {
		rt = w.opts.AcceptTimeoutMillis
	}
	factor := w.opts.WaitTimeoutFactor
	if factor <= 0 {
		factor = 1
	}
	ms := rt / factor
	if ms <= 0 {
		ms = 1
	}
	return ms
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}
