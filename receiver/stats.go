package receiver

import "warpreceiver/protocol"

// Stats is the per-worker counters returned at END, the receiver analogue
// of the teacher's ThreadStats.
type Stats struct {
	HeaderBytes       int64
	DataBytes         int64
	EffectiveBytes    int64
	NumBlocks         int64
	NumFiles          int64
	FailedAttempts    int64
	LocalErrorCode    protocol.ErrorKind
	RemoteErrorCode   protocol.ErrorKind
	NumBlocksSend     int64
	TotalSenderBytes  int64
	EncryptionType    string
}

func (s *Stats) addHeaderBytes(n int64) {
	s.HeaderBytes += n
}

func (s *Stats) addDataBytes(n int64) {
	s.DataBytes += n
}

func (s *Stats) addEffectiveBytes(header, data int64) {
	s.EffectiveBytes += header + data
}

func (s *Stats) incrNumBlocks() {
	s.NumBlocks++
}

func (s *Stats) incrFailedAttempts() {
	s.FailedAttempts++
}

func (s *Stats) setLocalErrorCode(code protocol.ErrorKind) {
	s.LocalErrorCode = code
}

func (s *Stats) setRemoteErrorCode(code protocol.ErrorKind) {
	s.RemoteErrorCode = code
}

func (s *Stats) setNumBlocksSend(n int64) {
	s.NumBlocksSend = n
}

func (s *Stats) setTotalSenderBytes(n int64) {
	s.TotalSenderBytes = n
}

// reset clears every counter and code; called from ACCEPT_FIRST_CONNECTION
// (via resetSession), not on later reconnects.
func (s *Stats) reset() {
	*s = Stats{}
}
