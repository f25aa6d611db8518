package protocol

// Settings is the sender-announced connection configuration carried by
// SETTINGS_CMD, decoded after the protocol version varint.
type Settings struct {
	TransferID        string
	ReadTimeoutMillis  int32
	WriteTimeoutMillis int32
	EnableChecksum     bool
	BlockModeDisabled  bool
	SendFileChunks     bool
}

// EncodeSettings packs a Settings struct.
func EncodeSettings(buf []byte, off int, max int, s *Settings) (int, bool) {
	if len(s.TransferID) > KMaxTransferID {
		return off, false
	}
	e := newEncoder(buf, off, max)
	if !e.putLenPrefixed([]byte(s.TransferID)) {
		return off, false
	}
	if !e.putInt32(s.ReadTimeoutMillis) || !e.putInt32(s.WriteTimeoutMillis) ||
		!e.putBool(s.EnableChecksum) || !e.putBool(s.BlockModeDisabled) ||
		!e.putBool(s.SendFileChunks) {
		return off, false
	}
	return e.off, true
}

// DecodeSettings is the inverse of EncodeSettings. The version parameter is
// accepted for symmetry with the rest of the codec (a future protocol
// version could change the settings layout) but the current layout is
// version-independent.
func DecodeSettings(version int, buf []byte, off int, limit int, s *Settings) (int, bool) {
	d := newDecoder(buf, off, limit)
	id, ok := d.getLenPrefixed()
	if !ok {
		return off, false
	}
	readTimeout, ok := d.getInt32()
	if !ok {
		return off, false
	}
	writeTimeout, ok := d.getInt32()
	if !ok {
		return off, false
	}
	enableChecksum, ok := d.getBool()
	if !ok {
		return off, false
	}
	blockModeDisabled, ok := d.getBool()
	if !ok {
		return off, false
	}
	sendFileChunks, ok := d.getBool()
	if !ok {
		return off, false
	}
	s.TransferID = string(id)
	s.ReadTimeoutMillis = readTimeout
	s.WriteTimeoutMillis = writeTimeout
	s.EnableChecksum = enableChecksum
	s.BlockModeDisabled = blockModeDisabled
	s.SendFileChunks = sendFileChunks
	return d.off, true
}
