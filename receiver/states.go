package receiver

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"net"
	"syscall"
	"time"

	"warpreceiver/constants"
	"warpreceiver/controller"
	"warpreceiver/protocol"
	"warpreceiver/socketio"
)

// State is one node of the worker's 15-state receive loop.
type State int

const (
	StateListen State = iota
	StateAcceptFirstConnection
	StateAcceptWithTimeout
	StateSendLocalCheckpoint
	StateReadNextCmd
	StateProcessFileCmd
	StateProcessSettingsCmd
	StateProcessDoneCmd
	StateProcessSizeCmd
	StateSendFileChunks
	StateSendGlobalCheckpoints
	StateSendDoneCmd
	StateSendAbortCmd
	StateWaitForFinishOrNewCheckpoint
	StateFinishWithError
	StateEnd
	StateFailed
)

var stateNames = map[State]string{
	StateListen:                       "LISTEN",
	StateAcceptFirstConnection:        "ACCEPT_FIRST_CONNECTION",
	StateAcceptWithTimeout:            "ACCEPT_WITH_TIMEOUT",
	StateSendLocalCheckpoint:          "SEND_LOCAL_CHECKPOINT",
	StateReadNextCmd:                  "READ_NEXT_CMD",
	StateProcessFileCmd:               "PROCESS_FILE_CMD",
	StateProcessSettingsCmd:           "PROCESS_SETTINGS_CMD",
	StateProcessDoneCmd:               "PROCESS_DONE_CMD",
	StateProcessSizeCmd:               "PROCESS_SIZE_CMD",
	StateSendFileChunks:               "SEND_FILE_CHUNKS",
	StateSendGlobalCheckpoints:        "SEND_GLOBAL_CHECKPOINTS",
	StateSendDoneCmd:                  "SEND_DONE_CMD",
	StateSendAbortCmd:                 "SEND_ABORT_CMD",
	StateWaitForFinishOrNewCheckpoint: "WAIT_FOR_FINISH_OR_NEW_CHECKPOINT",
	StateFinishWithError:              "FINISH_WITH_ERROR",
	StateEnd:                          "END",
	StateFailed:                       "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN_STATE"
}

var stateHandlers = map[State]func(*Worker) State{
	StateListen:                       (*Worker).listen,
	StateAcceptFirstConnection:        (*Worker).acceptFirstConnection,
	StateAcceptWithTimeout:            (*Worker).acceptWithTimeout,
	StateSendLocalCheckpoint:          (*Worker).sendLocalCheckpoint,
	StateReadNextCmd:                  (*Worker).readNextCmd,
	StateProcessFileCmd:               (*Worker).processFileCmd,
	StateProcessSettingsCmd:           (*Worker).processSettingsCmd,
	StateProcessDoneCmd:               (*Worker).processDoneCmd,
	StateProcessSizeCmd:               (*Worker).processSizeCmd,
	StateSendFileChunks:               (*Worker).sendFileChunks,
	StateSendGlobalCheckpoints:        (*Worker).sendGlobalCheckpoints,
	StateSendDoneCmd:                  (*Worker).sendDoneCmd,
	StateSendAbortCmd:                 (*Worker).sendAbortCmd,
	StateWaitForFinishOrNewCheckpoint: (*Worker).waitForFinishOrNewCheckpoint,
	StateFinishWithError:              (*Worker).finishWithError,
}

func isFatalListenErr(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return false
	}
	if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
		return false
	}
	return true
}

func (w *Worker) listen() State {
	defer close(w.listenerReady)
	addr := &net.TCPAddr{Port: int(w.port)}
	for attempt := 0; attempt < w.opts.MaxRetries; attempt++ {
		l, err := net.ListenTCP("tcp", addr)
		if err == nil {
			w.listener = l
			return StateAcceptFirstConnection
		}
		if isFatalListenErr(err) {
			w.logger.WithError(err).Error("listen failed")
			w.stats.setLocalErrorCode(protocol.ConnError)
			return StateFailed
		}
		w.logger.WithError(err).Warn("listen failed, retrying")
		time.Sleep(time.Duration(w.opts.SleepMillis) * time.Millisecond)
	}
	w.stats.setLocalErrorCode(protocol.ConnError)
	return StateFailed
}

func (w *Worker) acceptFirstConnection() State {
	w.resetSession()
	if w.parent.HasNewTransferStarted() {
		return StateAcceptWithTimeout
	}
	for attempt := 0; attempt < w.opts.MaxAcceptRetries; attempt++ {
		if code := w.parent.GetCurAbortCode(); code != protocol.Ok {
			w.stats.setLocalErrorCode(protocol.Aborted)
			return StateEnd
		}
		conn, err := w.acceptWithDeadline(w.opts.AcceptTimeoutMillis)
		if err != nil {
			continue
		}
		w.conn = conn
		peerIP := connPeerIP(conn)
		w.controller.ExecuteAtStart(func() {
			w.parent.StartNewGlobalSession(peerIP)
		})
		return StateReadNextCmd
	}
	w.stats.setLocalErrorCode(protocol.ConnError)
	return StateFailed
}

func (w *Worker) acceptWithTimeout() State {
	var timeoutMillis int
	if w.settingsReceived {
		timeoutMillis = int(maxInt32(w.senderReadTimeoutMillis, w.senderWriteTimeoutMillis)) + w.opts.AcceptTimeoutBufferMillis
	} else {
		timeoutMillis = w.opts.AcceptWindowMillis
	}
	conn, err := w.acceptWithDeadline(timeoutMillis)
	if err != nil {
		if w.doneSendFailure {
			return StateEnd
		}
		w.localErr = protocol.ConnError
		return StateFinishWithError
	}
	w.conn = conn
	if w.doneSendFailure {
		return StateSendLocalCheckpoint
	}
	w.off = 0
	w.numRead = 0
	w.pendingCheckpointIndex = w.checkpointIndex
	if w.localErr != protocol.Ok {
		return StateSendLocalCheckpoint
	}
	return StateReadNextCmd
}

func (w *Worker) sendLocalCheckpoint() State {
	cp := w.checkpoint
	if w.doneSendFailure {
		cp = protocol.NewSentinelCheckpoint(w.port)
	}
	if !w.writeCheckpointBatch([]protocol.Checkpoint{cp}) {
		w.localErr = protocol.SocketWriteError
		return StateAcceptWithTimeout
	}
	if w.doneSendFailure {
		return StateSendDoneCmd
	}
	return StateReadNextCmd
}

func (w *Worker) writeCheckpointBatch(cps []protocol.Checkpoint) bool {
	size := 3
	for range cps {
		size += protocol.KMaxLocalCheckpointLength(w.threadProtocolVersion)
	}
	scratch := make([]byte, size)
	scratch[0] = protocol.ErrCmd
	bodyOff, n := protocol.EncodeCheckpoints(w.threadProtocolVersion, scratch, 3, len(scratch), cps)
	if n != len(cps) {
		return false
	}
	binary.LittleEndian.PutUint16(scratch[1:3], uint16(bodyOff-3))
	return w.writeAll(scratch[:bodyOff])
}

func (w *Worker) readNextCmd() State {
	w.oldOffset = w.off
	if !w.topUp(protocol.KMinBufLength) {
		w.localErr = protocol.SocketReadError
		return StateAcceptWithTimeout
	}
	magic := w.buf[w.off]
	w.consume(1)
	switch magic {
	case protocol.DoneCmd:
		return StateProcessDoneCmd
	case protocol.FileCmd:
		return StateProcessFileCmd
	case protocol.SettingsCmd:
		return StateProcessSettingsCmd
	case protocol.SizeCmd:
		return StateProcessSizeCmd
	default:
		w.localErr = protocol.ProtocolError
		return StateFinishWithError
	}
}

func (w *Worker) processSettingsCmd() State {
	if !w.topUp(int64(protocol.KMaxVersion)) {
		w.localErr = protocol.SocketReadError
		return StateAcceptWithTimeout
	}
	newOff, senderVersion, ok := protocol.DecodeVersion(w.buf, int(w.off), int(w.off+w.numRead))
	if !ok {
		w.localErr = protocol.ProtocolError
		return StateFinishWithError
	}
	w.consume(int64(newOff) - w.off)

	if senderVersion != w.threadProtocolVersion {
		negotiated := protocol.NegotiateProtocol(senderVersion, w.threadProtocolVersion)
		if negotiated == 0 {
			w.localErr = protocol.VersionIncompatible
			return StateSendAbortCmd
		}
		w.threadProtocolVersion = negotiated
		if negotiated != senderVersion {
			w.localErr = protocol.VersionMismatch
			return StateSendAbortCmd
		}
	}

	// A zero-length transferId is the smallest legal settings record; try
	// that floor first rather than always blocking for the full maximum,
	// then widen the read only if the actual transferId needs more room.
	const settingsFloor = 2 + 4 + 4 + 1 + 1 + 1
	if !w.topUp(settingsFloor) {
		w.localErr = protocol.SocketReadError
		return StateAcceptWithTimeout
	}
	var settings protocol.Settings
	newOff2, ok := protocol.DecodeSettings(w.threadProtocolVersion, w.buf, int(w.off), int(w.off+w.numRead), &settings)
	if !ok {
		if !w.topUp(int64(protocol.KMaxSettings)) {
			w.localErr = protocol.SocketReadError
			return StateAcceptWithTimeout
		}
		newOff2, ok = protocol.DecodeSettings(w.threadProtocolVersion, w.buf, int(w.off), int(w.off+w.numRead), &settings)
		if !ok {
			w.localErr = protocol.ProtocolError
			return StateFinishWithError
		}
	}
	msgLen := int64(newOff2) - w.off

	if settings.TransferID != w.parent.GetTransferID() {
		w.consume(msgLen)
		w.localErr = protocol.IdMismatch
		return StateSendAbortCmd
	}

	w.senderReadTimeoutMillis = settings.ReadTimeoutMillis
	w.senderWriteTimeoutMillis = settings.WriteTimeoutMillis
	w.enableChecksum = settings.EnableChecksum
	w.isBlockMode = !settings.BlockModeDisabled
	w.settingsReceived = true
	w.consume(msgLen)

	if settings.SendFileChunks && w.opts.EnableDownloadResumption {
		w.off = 0
		w.numRead = 0
		return StateSendFileChunks
	}
	return StateReadNextCmd
}

func (w *Worker) processDoneCmd() State {
	if !w.topUp(int64(protocol.KMaxDone)) {
		w.localErr = protocol.SocketReadError
		return StateAcceptWithTimeout
	}
	if w.numRead != int64(protocol.KMaxDone) {
		// numRead counts only the bytes after the DONE magic, so commands
		// consumed earlier do not matter here; any bytes that arrived after
		// the DONE record itself fail this check.
		w.localErr = protocol.ProtocolError
		return StateFinishWithError
	}
	newOff, status, numBlocks, totalBytes, ok := protocol.DecodeDone(w.buf, int(w.off), int(w.off+w.numRead))
	if !ok {
		w.localErr = protocol.ProtocolError
		return StateFinishWithError
	}
	w.stats.setRemoteErrorCode(status)
	w.stats.setNumBlocksSend(numBlocks)
	w.stats.setTotalSenderBytes(totalBytes)
	w.consume(int64(newOff) - w.off)
	w.checkpointIndex = w.pendingCheckpointIndex
	return StateWaitForFinishOrNewCheckpoint
}

func (w *Worker) processSizeCmd() State {
	if !w.topUp(int64(protocol.KMaxSize)) {
		w.localErr = protocol.SocketReadError
		return StateAcceptWithTimeout
	}
	newOff, totalBytes, ok := protocol.DecodeSize(w.buf, int(w.off), int(w.off+w.numRead))
	if !ok {
		w.localErr = protocol.ProtocolError
		return StateFinishWithError
	}
	w.stats.setTotalSenderBytes(totalBytes)
	w.consume(int64(newOff) - w.off)
	return StateReadNextCmd
}

// maybeRecordTransferLogHeaderUnresumed elects, via the file-chunks funnel,
// whether this worker should record the "sender did not resume" transfer
// log header -- used only when a session with resumption enabled never
// triggers SEND_FILE_CHUNKS at all.
func (w *Worker) maybeRecordTransferLogHeaderUnresumed() {
	if !w.opts.IsLogBasedResumption || w.transferLogHeaderWritten {
		return
	}
	funnel := w.controller.GetFunnel(constants.SEND_FILE_CHUNKS_FUNNEL)
	switch funnel.GetStatus() {
	case controller.FunnelStart:
		w.transferLog.AddHeader(w.isBlockMode, false)
		w.transferLogHeaderWritten = true
		funnel.NotifySuccess()
	case controller.FunnelEnd:
		w.transferLogHeaderWritten = true
	default:
		// Someone else is mid-election (presumably inside SEND_FILE_CHUNKS);
		// don't block this FILE_CMD on it, retry on a later one.
	}
}

func (w *Worker) processFileCmd() State {
	w.localErr = protocol.Ok
	defer func() {
		if w.localErr != protocol.Ok {
			w.stats.incrFailedAttempts()
		}
	}()

	w.maybeRecordTransferLogHeaderUnresumed()

	if !w.topUp(3) {
		w.localErr = protocol.SocketReadError
		return StateAcceptWithTimeout
	}
	transferStatus := w.buf[w.off]
	_ = transferStatus
	headerLen := int64(binary.LittleEndian.Uint16(w.buf[w.off+1 : w.off+3]))
	w.consume(3)

	if !w.topUp(headerLen) {
		w.localErr = protocol.SocketReadError
		return StateAcceptWithTimeout
	}
	var details protocol.BlockDetails
	newOff, ok := protocol.DecodeHeader(w.buf, int(w.off), int(w.off+headerLen), &details)
	if !ok || int64(newOff)-w.off != headerLen {
		w.localErr = protocol.ProtocolError
		return StateFinishWithError
	}
	w.consume(headerLen)

	w.checkpointIndex = w.pendingCheckpointIndex
	w.checkpoint.ResetLastBlockDetails()

	writer, err := w.fileCreator.OpenForBlock(&details)
	if err != nil {
		w.logger.WithError(err).Warn("failed to open block sink")
		w.localErr = protocol.FileWriteError
		return StateSendAbortCmd
	}

	var crc uint32
	checksumTable := crc32.MakeTable(crc32.Castagnoli)
	accumulate := func(p []byte) {
		if w.enableChecksum {
			crc = crc32.Update(crc, checksumTable, p)
		}
	}

	headerBytes := int64(1+2) + headerLen
	var bytesWritten int64

	if n1 := minInt64(w.numRead, details.DataSize); n1 > 0 {
		chunk := w.buf[w.off : w.off+n1]
		if werr := writer.Write(chunk); werr != nil {
			writer.Close()
			w.localErr = protocol.FileWriteError
			return StateSendAbortCmd
		}
		accumulate(chunk)
		w.consume(n1)
		bytesWritten = n1
	}

	for bytesWritten < details.DataSize {
		if code := w.parent.GetCurAbortCode(); code != protocol.Ok {
			writer.Close()
			if w.threadProtocolVersion >= protocol.CheckpointOffsetVersion {
				w.checkpoint.SetLastBlockDetails(details.SeqID, details.OffsetInFile, bytesWritten)
			}
			w.localErr = protocol.Aborted
			return StateAcceptWithTimeout
		}
		if w.off >= w.bufferSize {
			w.off = 0
		}
		remaining := details.DataSize - bytesWritten
		room := w.bufferSize - w.off
		atMost := remaining
		if atMost > room {
			atMost = room
		}
		n := socketio.ReadAtMost(w.conn, w.buf[w.off:], room, atMost)
		if n <= 0 {
			writer.Close()
			if w.threadProtocolVersion >= protocol.CheckpointOffsetVersion {
				w.checkpoint.SetLastBlockDetails(details.SeqID, details.OffsetInFile, bytesWritten)
			}
			w.localErr = protocol.SocketReadError
			return StateAcceptWithTimeout
		}
		if err := w.throttler.Limit(w.ctx, n); err != nil {
			writer.Close()
			w.localErr = protocol.Aborted
			return StateAcceptWithTimeout
		}
		chunk := w.buf[w.off : w.off+n]
		if werr := writer.Write(chunk); werr != nil {
			writer.Close()
			w.localErr = protocol.FileWriteError
			return StateSendAbortCmd
		}
		accumulate(chunk)
		bytesWritten += n
		w.off += n
	}

	if w.enableChecksum {
		if !w.topUp(1 + int64(protocol.KMaxFooter)) {
			writer.Close()
			w.localErr = protocol.SocketReadError
			return StateAcceptWithTimeout
		}
		if w.buf[w.off] != protocol.FooterCmd {
			writer.Close()
			w.localErr = protocol.ProtocolError
			return StateFinishWithError
		}
		w.consume(1)
		newOff, checksum, ok := protocol.DecodeFooter(w.buf, int(w.off), int(w.off+int64(protocol.KMaxFooter)))
		if !ok {
			writer.Close()
			w.localErr = protocol.ProtocolError
			return StateFinishWithError
		}
		w.consume(int64(newOff) - w.off)
		if uint32(checksum) != crc {
			writer.Close()
			w.localErr = protocol.ChecksumMismatch
			return StateAcceptWithTimeout
		}
	}

	if err := writer.Close(); err != nil {
		w.localErr = protocol.FileWriteError
		return StateSendAbortCmd
	}

	if w.opts.IsLogBasedResumption {
		w.transferLog.AddBlockWriteEntry(details.SeqID, details.OffsetInFile, bytesWritten)
	}
	w.checkpoint.IncrNumBlocks()
	w.stats.incrNumBlocks()
	w.stats.addDataBytes(bytesWritten)
	w.stats.addHeaderBytes(headerBytes)
	w.stats.addEffectiveBytes(headerBytes, bytesWritten)
	if details.OffsetInFile == 0 {
		w.stats.NumFiles++
	}

	leftover := w.numRead
	if leftover >= int64(protocol.KMaxHeader) || w.off < w.bufferSize/2 {
		// leave in place
	} else {
		copy(w.buf[0:leftover], w.buf[w.off:w.off+leftover])
		w.off = 0
	}

	return StateReadNextCmd
}

func (w *Worker) sendFileChunks() State {
	funnel := w.controller.GetFunnel(constants.SEND_FILE_CHUNKS_FUNNEL)
	for {
		switch funnel.GetStatus() {
		case controller.FunnelEnd:
			if !w.writeAll([]byte{protocol.AckCmd}) {
				w.localErr = protocol.SocketWriteError
				return StateAcceptWithTimeout
			}
			return StateReadNextCmd

		case controller.FunnelProgress:
			if !w.writeAll([]byte{protocol.WaitCmd}) {
				w.localErr = protocol.SocketWriteError
				return StateAcceptWithTimeout
			}
			funnel.Wait(w.waitPollMillis())

		case controller.FunnelStart:
			entries := w.parent.GetFileChunksInfo()
			envelope := make([]byte, 1+protocol.KMaxChunksEnvelope)
			envelope[0] = protocol.ChunksCmd
			eoff, ok := protocol.EncodeChunksEnvelope(envelope, 1, len(envelope), int64(len(entries)))
			if !ok || !w.writeAll(envelope[:eoff]) {
				funnel.NotifyFail()
				w.localErr = protocol.SocketReadError
				return StateAcceptWithTimeout
			}

			packet := make([]byte, w.bufferSize)
			idx := int64(0)
			failed := false
			for idx < int64(len(entries)) {
				newOff, encoded := protocol.EncodeFileChunksInfoList(packet, 4, len(packet), idx, entries)
				if encoded <= 0 {
					failed = true
					break
				}
				binary.LittleEndian.PutUint32(packet[0:4], uint32(newOff-4))
				if !w.writeAll(packet[:newOff]) {
					failed = true
					break
				}
				idx += encoded
			}
			if failed {
				funnel.NotifyFail()
				w.localErr = protocol.SocketReadError
				return StateAcceptWithTimeout
			}

			ackBuf := make([]byte, 1)
			if n := socketio.ReadAtMost(w.conn, ackBuf, 1, 1); n != 1 {
				funnel.NotifyFail()
				w.localErr = protocol.SocketReadError
				return StateAcceptWithTimeout
			}

			if w.opts.IsLogBasedResumption {
				w.transferLog.AddHeader(w.isBlockMode, true)
			}
			w.transferLogHeaderWritten = true
			funnel.NotifySuccess()
			return StateReadNextCmd
		}
	}
}

func (w *Worker) sendGlobalCheckpoints() State {
	newCps := w.parent.GetNewCheckpoints(w.checkpointIndex)
	if !w.writeCheckpointBatch(newCps) {
		w.localErr = protocol.SocketWriteError
		return StateAcceptWithTimeout
	}
	w.pendingCheckpointIndex = w.checkpointIndex + int64(len(newCps))
	w.off = 0
	w.numRead = 0
	return StateReadNextCmd
}

func (w *Worker) sendAbortCmd() State {
	scratch := make([]byte, 1+protocol.KMaxAbort)
	scratch[0] = protocol.AbortCmd
	newOff, ok := protocol.EncodeAbort(scratch, 1, w.threadProtocolVersion, w.localErr, w.stats.NumFiles)
	if ok {
		// Fire-and-forget: the socket is closed regardless of whether this
		// write succeeds.
		w.writeAll(scratch[:newOff])
	}
	w.closeConn()
	if w.localErr == protocol.VersionMismatch {
		return StateAcceptWithTimeout
	}
	return StateFinishWithError
}

func (w *Worker) sendDoneCmd() State {
	if !w.writeAll([]byte{protocol.DoneCmd}) {
		w.doneSendFailure = true
		w.localErr = protocol.SocketWriteError
		return StateAcceptWithTimeout
	}
	ack := make([]byte, 1)
	if n := socketio.ReadAtMost(w.conn, ack, 1, 1); n != 1 || ack[0] != protocol.DoneCmd {
		w.doneSendFailure = true
		w.localErr = protocol.SocketReadError
		return StateAcceptWithTimeout
	}
	eof := make([]byte, 1)
	if n := socketio.ReadAtMost(w.conn, eof, 1, 1); n != 0 {
		w.doneSendFailure = true
		w.localErr = protocol.ProtocolError
		return StateAcceptWithTimeout
	}
	w.doneSendFailure = false
	w.closeConn()
	return StateEnd
}

func (w *Worker) waitForFinishOrNewCheckpoint() State {
	cond := w.controller.GetCondition(constants.WAIT_FOR_FINISH_OR_CHECKPOINT_CV)
	guard := cond.Acquire()
	w.controller.MarkState(w.threadIndex, controller.Waiting)
	for {
		newCps := w.parent.GetNewCheckpoints(w.checkpointIndex)
		if len(newCps) > 0 {
			w.controller.MarkState(w.threadIndex, controller.Running)
			guard.Release()
			return StateSendGlobalCheckpoints
		}
		if !w.controller.HasThreads(w.threadIndex, controller.Running) {
			w.controller.MarkState(w.threadIndex, controller.Finished)
			guard.Release()
			return StateSendDoneCmd
		}
		guard.Wait(w.waitPollMillis())
		guard.Release()
		if !w.writeAll([]byte{protocol.WaitCmd}) {
			w.localErr = protocol.SocketWriteError
			return StateAcceptWithTimeout
		}
		guard = cond.Acquire()
	}
}

func (w *Worker) finishWithError() State {
	w.stats.setLocalErrorCode(w.localErr)
	w.closeConn()
	cond := w.controller.GetCondition(constants.WAIT_FOR_FINISH_OR_CHECKPOINT_CV)
	guard := cond.Acquire()
	w.parent.AddCheckpoint(w.checkpoint)
	w.controller.MarkState(w.threadIndex, controller.Finished)
	guard.NotifyOne()
	guard.Release()
	return StateEnd
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
