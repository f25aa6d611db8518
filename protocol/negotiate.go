package protocol

// MinCompatibleVersion is the oldest sender protocol version this receiver
// can still talk to (by downgrading itself).
const MinCompatibleVersion = 1

// NegotiateProtocol picks a protocol version both ends can speak, preferring
// the lower of the two. It returns 0 when the sender's version is older than
// anything this receiver still supports.
func NegotiateProtocol(senderVersion, receiverVersion int) int {
	if senderVersion < MinCompatibleVersion {
		return 0
	}
	if senderVersion < receiverVersion {
		return senderVersion
	}
	return receiverVersion
}
