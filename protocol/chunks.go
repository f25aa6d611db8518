package protocol

// FileChunksInfo describes the already-received chunks of one logical file,
// as sent to a resuming sender so it knows what to skip.
type FileChunksInfo struct {
	FileName string
	SeqID    int64
	Chunks   []ChunkRange
}

// ChunkRange is one contiguous already-written span of a file.
type ChunkRange struct {
	Offset int64
	Size   int64
}

func encodeFileChunksInfo(e *encoder, info *FileChunksInfo) bool {
	if len(info.FileName) > KMaxFilename {
		return false
	}
	if !e.putLenPrefixed([]byte(info.FileName)) || !e.putInt64(info.SeqID) {
		return false
	}
	if len(info.Chunks) > 0xFFFF {
		return false
	}
	if !e.putUint16(uint16(len(info.Chunks))) {
		return false
	}
	for _, c := range info.Chunks {
		if !e.putInt64(c.Offset) || !e.putInt64(c.Size) {
			return false
		}
	}
	return true
}

func decodeFileChunksInfo(d *decoder) (FileChunksInfo, bool) {
	var info FileChunksInfo
	name, ok := d.getLenPrefixed()
	if !ok {
		return info, false
	}
	seqID, ok := d.getInt64()
	if !ok {
		return info, false
	}
	numChunks, ok := d.getUint16()
	if !ok {
		return info, false
	}
	chunks := make([]ChunkRange, 0, numChunks)
	for i := 0; i < int(numChunks); i++ {
		offset, ok := d.getInt64()
		if !ok {
			return info, false
		}
		size, ok := d.getInt64()
		if !ok {
			return info, false
		}
		chunks = append(chunks, ChunkRange{Offset: offset, Size: size})
	}
	info.FileName = string(name)
	info.SeqID = seqID
	info.Chunks = chunks
	return info, true
}

// EncodeFileChunksInfoList packs as many entries, starting at startIndex, as
// fit in [off, max). It returns the new offset and how many entries were
// actually encoded; the caller is expected to retry the remainder in the
// next packet. A single entry too large for an otherwise-empty buffer is
// skipped (and counted as encoded) rather than wedging the protocol.
func EncodeFileChunksInfoList(buf []byte, off int, max int, startIndex int64, entries []FileChunksInfo) (int, int64) {
	cur := off
	var encoded int64
	for i := int(startIndex); i < len(entries); i++ {
		e := newEncoder(buf, cur, max)
		if !encodeFileChunksInfo(e, &entries[i]) {
			if cur == off {
				// Nothing fit at all; still count it so the caller doesn't spin
				// forever trying to fit an oversized entry.
				encoded++
				continue
			}
			break
		}
		cur = e.off
		encoded++
	}
	return cur, encoded
}

// DecodeFileChunksInfoList decodes every entry present in [off, limit).
func DecodeFileChunksInfoList(buf []byte, off int, limit int) ([]FileChunksInfo, bool) {
	var entries []FileChunksInfo
	cur := off
	for cur < limit {
		d := newDecoder(buf, cur, limit)
		info, ok := decodeFileChunksInfo(d)
		if !ok {
			return nil, false
		}
		cur = d.off
		entries = append(entries, info)
	}
	return entries, true
}
