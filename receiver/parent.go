package receiver

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"warpreceiver/controller"
	"warpreceiver/fileio"
	"warpreceiver/protocol"
	"warpreceiver/throttle"
	"warpreceiver/translog"
)

// Parent owns the set of sibling workers for one global transfer session:
// the append-only checkpoint list, the abort flag every worker polls, and
// the resumption data published to workers that reach SEND_FILE_CHUNKS.
type Parent struct {
	mu                 sync.Mutex
	checkpoints        []protocol.Checkpoint
	newTransferStarted bool
	fileChunksInfo     []protocol.FileChunksInfo

	abortCode atomic.Int32

	transferID      string
	protocolVersion int

	logger logrus.FieldLogger
	cancel context.CancelFunc
}

// NewParent constructs a Parent for one session identified by transferID.
func NewParent(transferID string, protocolVersion int, logger logrus.FieldLogger) *Parent {
	return &Parent{
		transferID:      transferID,
		protocolVersion: protocolVersion,
		logger:          logger,
	}
}

// SetFileChunksInfo publishes the resumption data a resuming sender will
// request via SETTINGS.sendFileChunks. Must be called before Run.
func (p *Parent) SetFileChunksInfo(info []protocol.FileChunksInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fileChunksInfo = info
}

// Abort requests every worker stop at its next poll point with the given
// error kind, and cancels the context handed to their throttlers.
func (p *Parent) Abort(code protocol.ErrorKind) {
	p.abortCode.Store(int32(code))
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Parent) GetNewCheckpoints(sinceIndex int64) []protocol.Checkpoint {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sinceIndex >= int64(len(p.checkpoints)) {
		return nil
	}
	out := make([]protocol.Checkpoint, len(p.checkpoints)-int(sinceIndex))
	copy(out, p.checkpoints[sinceIndex:])
	return out
}

func (p *Parent) AddCheckpoint(cp protocol.Checkpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkpoints = append(p.checkpoints, cp)
}

func (p *Parent) HasNewTransferStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.newTransferStarted
}

func (p *Parent) GetCurAbortCode() protocol.ErrorKind {
	return protocol.ErrorKind(p.abortCode.Load())
}

func (p *Parent) GetFileChunksInfo() []protocol.FileChunksInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fileChunksInfo
}

func (p *Parent) GetTransferID() string {
	return p.transferID
}

func (p *Parent) GetProtocolVersion() int {
	return p.protocolVersion
}

func (p *Parent) StartNewGlobalSession(peerIP string) {
	p.mu.Lock()
	p.newTransferStarted = true
	p.mu.Unlock()
	p.logger.WithField("peer", peerIP).Info("global session started")
}

// Checkpoints returns a snapshot of every checkpoint reported so far, for
// callers (e.g. the CLI) that want to persist resumption state on exit.
func (p *Parent) Checkpoints() []protocol.Checkpoint {
	return p.GetNewCheckpoints(0)
}

// Run launches one worker goroutine per port and blocks until every worker
// reaches a terminal state. It returns the per-worker stats in port order
// and the first non-aborted fatal error, if any.
func (p *Parent) Run(
	ctx context.Context,
	ports []uint16,
	opts *Options,
	fileCreator fileio.FileCreator,
	throttler throttle.Throttler,
	transferLog translog.TransferLogManager,
) ([]Stats, error) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	ctrl := controller.NewThreadsController(len(ports))
	g, gctx := errgroup.WithContext(runCtx)
	results := make([]Stats, len(ports))

	for i, port := range ports {
		i, port := i, port
		ctrl.RegisterThread(i)
		worker := NewWorker(i, port, opts, ctrl, p, fileCreator, throttler, transferLog, p.logger, gctx)
		g.Go(func() error {
			results[i] = worker.Run()
			switch results[i].LocalErrorCode {
			case protocol.Ok, protocol.Aborted:
				return nil
			default:
				return results[i].LocalErrorCode
			}
		})
	}

	err := g.Wait()
	return results, err
}
