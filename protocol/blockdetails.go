package protocol

// FormatMode flags carried in a block header.
const (
	FormatModeBlock  byte = 1 << 0 // block-mode transfer (vs. whole-file raw mode)
	FormatModeRaw    byte = 1 << 1
)

// BlockDetails is the per-block header describing one FILE_CMD payload.
type BlockDetails struct {
	FileName     string
	SeqID        int64
	OffsetInFile int64
	DataSize     int64
	FormatMode   byte
}

// EncodeHeader packs a BlockDetails. Returns the new offset and false if it
// would not fit in [off, max) or the filename exceeds KMaxFilename.
func EncodeHeader(buf []byte, off int, max int, details *BlockDetails) (int, bool) {
	if len(details.FileName) > KMaxFilename {
		return off, false
	}
	e := newEncoder(buf, off, max)
	if !e.putLenPrefixed([]byte(details.FileName)) {
		return off, false
	}
	if !e.putInt64(details.SeqID) || !e.putInt64(details.OffsetInFile) ||
		!e.putInt64(details.DataSize) || !e.putByte(details.FormatMode) {
		return off, false
	}
	return e.off, true
}

// DecodeHeader is the inverse of EncodeHeader.
func DecodeHeader(buf []byte, off int, limit int, details *BlockDetails) (int, bool) {
	d := newDecoder(buf, off, limit)
	name, ok := d.getLenPrefixed()
	if !ok {
		return off, false
	}
	seqID, ok := d.getInt64()
	if !ok {
		return off, false
	}
	offsetInFile, ok := d.getInt64()
	if !ok {
		return off, false
	}
	dataSize, ok := d.getInt64()
	if !ok {
		return off, false
	}
	formatMode, ok := d.getByte()
	if !ok {
		return off, false
	}
	details.FileName = string(name)
	details.SeqID = seqID
	details.OffsetInFile = offsetInFile
	details.DataSize = dataSize
	details.FormatMode = formatMode
	return d.off, true
}
