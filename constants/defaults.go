package constants

const (
	DEFAULT_PORT           = 6969  // Nice
	DEFAULT_BUFFER_SIZE    = 262144 // Per-worker receive buffer, bytes
	DEFAULT_DSCP           = 0x0A  // QoS for high throughput

	DEFAULT_MAX_RETRIES         = 20   // listen() attempts before giving up
	DEFAULT_SLEEP_MILLIS        = 1000 // inter-retry sleep for listen()
	DEFAULT_MAX_ACCEPT_RETRIES  = 50   // accept() attempts for the first connection
	DEFAULT_ACCEPT_TIMEOUT_MS   = 2000 // accept() timeout before settings are known
	DEFAULT_ACCEPT_WINDOW_MS    = 60000 // accept() timeout once a transfer is in progress but no settings yet

	ACCEPT_TIMEOUT_BUFFER_MILLIS = 1000 // added atop max(readTimeout,writeTimeout) for ACCEPT_WITH_TIMEOUT
	WAIT_TIMEOUT_FACTOR          = 5    // senderReadTimeout / this = funnel/condvar poll interval

	PROTOCOL_VERSION          = 2 // current receiver protocol version
	CHECKPOINT_OFFSET_VERSION = 2 // minimum version carrying partial-block checkpoint offsets

	SEND_FILE_CHUNKS_FUNNEL         = "SEND_FILE_CHUNKS_FUNNEL"
	WAIT_FOR_FINISH_OR_CHECKPOINT_CV = "WAIT_FOR_FINISH_OR_CHECKPOINT_CV"
)
