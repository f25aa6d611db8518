package protocol

// BlockProgress describes a block that is partway through being written:
// the part of a Checkpoint that lets a sender resume mid-block instead of
// re-sending the whole thing.
type BlockProgress struct {
	SeqID        int64
	OffsetInFile int64
	BytesWritten int64
}

// Checkpoint is the receiver's acknowledgment of progress on one port. A
// NumBlocks of -1 is the sentinel meaning "DONE failed, session must
// restart here" (see doneSendFailure in the receiver worker).
type Checkpoint struct {
	Port      uint16
	NumBlocks int64
	LastBlock *BlockProgress
}

// NewCheckpoint returns a fresh, zeroed checkpoint for the given port.
func NewCheckpoint(port uint16) Checkpoint {
	return Checkpoint{Port: port}
}

// NewSentinelCheckpoint returns the -1-numBlocks checkpoint sent when a
// previous SEND_DONE_CMD attempt failed.
func NewSentinelCheckpoint(port uint16) Checkpoint {
	return Checkpoint{Port: port, NumBlocks: -1}
}

// IncrNumBlocks records one more successfully-completed block.
func (c *Checkpoint) IncrNumBlocks() {
	c.NumBlocks++
}

// ResetLastBlockDetails clears any previously recorded partial-block
// progress; called at the start of processing a new FILE_CMD so stale
// progress from an earlier block can't leak into this checkpoint.
func (c *Checkpoint) ResetLastBlockDetails() {
	c.LastBlock = nil
}

// SetLastBlockDetails records the partial progress of a block that did not
// finish (e.g. the sender disconnected mid-block).
func (c *Checkpoint) SetLastBlockDetails(seqID, offsetInFile, bytesWritten int64) {
	c.LastBlock = &BlockProgress{SeqID: seqID, OffsetInFile: offsetInFile, BytesWritten: bytesWritten}
}

// EncodeCheckpoints packs a batch of checkpoints starting at off, stopping
// (and reporting how many were written) the moment one would not fit in max.
func EncodeCheckpoints(version int, buf []byte, off int, max int, checkpoints []Checkpoint) (int, int) {
	written := 0
	cur := off
	for _, cp := range checkpoints {
		e := newEncoder(buf, cur, max)
		if !e.putUint16(cp.Port) || !e.putInt64(cp.NumBlocks) {
			break
		}
		hasLastBlock := version >= CheckpointOffsetVersion && cp.LastBlock != nil
		if version >= CheckpointOffsetVersion {
			if !e.putBool(hasLastBlock) {
				break
			}
			if hasLastBlock {
				if !e.putInt64(cp.LastBlock.SeqID) ||
					!e.putInt64(cp.LastBlock.OffsetInFile) ||
					!e.putInt64(cp.LastBlock.BytesWritten) {
					break
				}
			}
		}
		cur = e.off
		written++
	}
	return cur, written
}

// DecodeCheckpoints is the inverse of EncodeCheckpoints: it decodes every
// checkpoint in [off, limit), and fails as a whole if the range ends
// partway through a record.
func DecodeCheckpoints(version int, buf []byte, off int, limit int) (int, []Checkpoint, bool) {
	var checkpoints []Checkpoint
	cur := off
	for cur < limit {
		d := newDecoder(buf, cur, limit)
		port, ok := d.getUint16()
		if !ok {
			return off, nil, false
		}
		numBlocks, ok := d.getInt64()
		if !ok {
			return off, nil, false
		}
		cp := Checkpoint{Port: port, NumBlocks: numBlocks}
		if version >= CheckpointOffsetVersion {
			hasLastBlock, ok := d.getBool()
			if !ok {
				return off, nil, false
			}
			if hasLastBlock {
				seqID, ok := d.getInt64()
				if !ok {
					return off, nil, false
				}
				offsetInFile, ok := d.getInt64()
				if !ok {
					return off, nil, false
				}
				bytesWritten, ok := d.getInt64()
				if !ok {
					return off, nil, false
				}
				cp.LastBlock = &BlockProgress{SeqID: seqID, OffsetInFile: offsetInFile, BytesWritten: bytesWritten}
			}
		}
		cur = d.off
		checkpoints = append(checkpoints, cp)
	}
	return cur, checkpoints, true
}
