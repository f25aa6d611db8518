package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpointRoundTrip(t *testing.T) {
	checkpoints := []Checkpoint{
		NewCheckpoint(8000),
		NewSentinelCheckpoint(8001),
	}
	checkpoints[0].IncrNumBlocks()
	checkpoints[0].IncrNumBlocks()
	checkpoints[0].SetLastBlockDetails(42, 1024, 400)

	buf := make([]byte, 256)
	off, n := EncodeCheckpoints(CheckpointOffsetVersion, buf, 0, len(buf), checkpoints)
	require.Equal(t, len(checkpoints), n)

	_, decoded, ok := DecodeCheckpoints(CheckpointOffsetVersion, buf, 0, off)
	require.True(t, ok)
	require.Equal(t, checkpoints, decoded)
}

func TestCheckpointRoundTripPreOffsetVersion(t *testing.T) {
	cp := NewCheckpoint(9000)
	cp.IncrNumBlocks()
	cp.SetLastBlockDetails(1, 0, 10) // should not survive encode at old version

	buf := make([]byte, 64)
	off, n := EncodeCheckpoints(CheckpointOffsetVersion-1, buf, 0, len(buf), []Checkpoint{cp})
	require.Equal(t, 1, n)

	_, decoded, ok := DecodeCheckpoints(CheckpointOffsetVersion-1, buf, 0, off)
	require.True(t, ok)
	require.Len(t, decoded, 1)
	require.Nil(t, decoded[0].LastBlock)
	require.Equal(t, cp.NumBlocks, decoded[0].NumBlocks)
}

func TestBlockDetailsRoundTrip(t *testing.T) {
	details := &BlockDetails{
		FileName:     "a/b/c.txt",
		SeqID:        7,
		OffsetInFile: 2048,
		DataSize:     512,
		FormatMode:   FormatModeBlock,
	}
	buf := make([]byte, KMaxHeader)
	off, ok := EncodeHeader(buf, 0, len(buf), details)
	require.True(t, ok)

	var decoded BlockDetails
	newOff, ok := DecodeHeader(buf, 0, off, &decoded)
	require.True(t, ok)
	require.Equal(t, off, newOff)
	require.Equal(t, *details, decoded)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := &Settings{
		TransferID:         "transfer-123",
		ReadTimeoutMillis:  5000,
		WriteTimeoutMillis: 6000,
		EnableChecksum:     true,
		BlockModeDisabled:  false,
		SendFileChunks:     true,
	}
	buf := make([]byte, KMaxSettings)
	off, ok := EncodeSettings(buf, 0, len(buf), s)
	require.True(t, ok)

	var decoded Settings
	_, ok = DecodeSettings(testProtocolVersion, buf, 0, off, &decoded)
	require.True(t, ok)
	require.Equal(t, *s, decoded)
}

const testProtocolVersion = 2

func TestVersionRoundTrip(t *testing.T) {
	buf := make([]byte, KMaxVersion)
	off, ok := EncodeVersion(buf, 0, len(buf), 2)
	require.True(t, ok)

	_, version, ok := DecodeVersion(buf, 0, off)
	require.True(t, ok)
	require.Equal(t, 2, version)
}

func TestNegotiateProtocol(t *testing.T) {
	require.Equal(t, 2, NegotiateProtocol(3, 2))
	require.Equal(t, 2, NegotiateProtocol(2, 3))
	require.Equal(t, 0, NegotiateProtocol(0, 2))
}

func TestFileChunksInfoRoundTrip(t *testing.T) {
	entries := []FileChunksInfo{
		{FileName: "a", SeqID: 1, Chunks: []ChunkRange{{Offset: 0, Size: 10}}},
		{FileName: "b", SeqID: 2, Chunks: []ChunkRange{{Offset: 0, Size: 5}, {Offset: 5, Size: 5}}},
	}
	buf := make([]byte, 4096)
	off, encoded := EncodeFileChunksInfoList(buf, 0, len(buf), 0, entries)
	require.EqualValues(t, len(entries), encoded)

	decoded, ok := DecodeFileChunksInfoList(buf, 0, off)
	require.True(t, ok)
	require.Equal(t, entries, decoded)
}

func TestAbortRoundTrip(t *testing.T) {
	buf := make([]byte, KMaxAbort)
	off, ok := EncodeAbort(buf, 0, 2, VersionMismatch, 3)
	require.True(t, ok)

	_, version, kind, numFiles, ok := DecodeAbort(buf, 0, off)
	require.True(t, ok)
	require.Equal(t, 2, version)
	require.Equal(t, VersionMismatch, kind)
	require.EqualValues(t, 3, numFiles)
}

func TestDoneRoundTrip(t *testing.T) {
	buf := make([]byte, KMaxDone)
	off, ok := EncodeDone(buf, 0, len(buf), Ok, 10, 4096)
	require.True(t, ok)

	_, status, numBlocks, totalBytes, ok := DecodeDone(buf, 0, off)
	require.True(t, ok)
	require.Equal(t, Ok, status)
	require.EqualValues(t, 10, numBlocks)
	require.EqualValues(t, 4096, totalBytes)
}

func TestEncodeOverflowFails(t *testing.T) {
	buf := make([]byte, 2)
	_, ok := EncodeDone(buf, 0, len(buf), Ok, 1, 1)
	require.False(t, ok)
}
