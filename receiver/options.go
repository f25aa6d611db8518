package receiver

import "warpreceiver/constants"

// Options mirrors the enumerated configuration consumed by the worker state
// machine. Callers build one with DefaultOptions and override fields, the
// same flat-struct shape the teacher builds from argparse flags.
type Options struct {
	BufferSize int64
	SkipWrites bool

	MaxRetries  int
	SleepMillis int

	MaxAcceptRetries    int
	AcceptTimeoutMillis int
	AcceptWindowMillis  int

	AcceptTimeoutBufferMillis int
	WaitTimeoutFactor         int

	EnableDownloadResumption bool
	IsLogBasedResumption     bool

	ProtocolVersion int
	DSCP            int
}

// DefaultOptions returns the tuning values the teacher's constants package
// ships as defaults.
func DefaultOptions() *Options {
	return &Options{
		BufferSize:                constants.DEFAULT_BUFFER_SIZE,
		MaxRetries:                constants.DEFAULT_MAX_RETRIES,
		SleepMillis:               constants.DEFAULT_SLEEP_MILLIS,
		MaxAcceptRetries:          constants.DEFAULT_MAX_ACCEPT_RETRIES,
		AcceptTimeoutMillis:       constants.DEFAULT_ACCEPT_TIMEOUT_MS,
		AcceptWindowMillis:        constants.DEFAULT_ACCEPT_WINDOW_MS,
		AcceptTimeoutBufferMillis: constants.ACCEPT_TIMEOUT_BUFFER_MILLIS,
		WaitTimeoutFactor:         constants.WAIT_TIMEOUT_FACTOR,
		ProtocolVersion:           constants.PROTOCOL_VERSION,
		DSCP:                      constants.DEFAULT_DSCP,
	}
}
