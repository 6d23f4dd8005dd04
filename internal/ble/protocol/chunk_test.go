package protocol

import (
	"bytes"
	"testing"
)

const testMaxBytes = 20

func TestChunkBytesFitsInOne(t *testing.T) {
	chunks := ChunkBytes([]byte("hello world"), testMaxBytes)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if string(chunks[0]) != "hello world" {
		t.Errorf("chunk[0] = %q, want %q", chunks[0], "hello world")
	}
}

func TestChunkBytesEmpty(t *testing.T) {
	if chunks := ChunkBytes(nil, testMaxBytes); len(chunks) != 0 {
		t.Errorf("got %d chunks for empty data, want 0", len(chunks))
	}
}

func TestChunkBytesZeroMax(t *testing.T) {
	if chunks := ChunkBytes([]byte("hello"), 0); chunks != nil {
		t.Errorf("ChunkBytes with maxBytes=0 should return nil, got %v", chunks)
	}
}

func TestChunkBytesSplits(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{testMaxBytes, 1},
		{testMaxBytes + 1, 2},
		{testMaxBytes * 3, 3},
		{testMaxBytes*3 + 7, 4},
	}
	for _, tt := range tests {
		data := bytes.Repeat([]byte{0xab}, tt.size)
		chunks := ChunkBytes(data, testMaxBytes)
		if len(chunks) != tt.want {
			t.Errorf("ChunkBytes(%d bytes) = %d chunks, want %d", tt.size, len(chunks), tt.want)
			continue
		}
		for i, c := range chunks {
			if len(c) > testMaxBytes {
				t.Errorf("chunk[%d] len=%d exceeds max=%d", i, len(c), testMaxBytes)
			}
		}
		if got := bytes.Join(chunks, nil); !bytes.Equal(got, data) {
			t.Errorf("reassembled %d bytes, want %d", len(got), len(data))
		}
	}
}

func TestChunkBytesDoesNotAllowAppendIntoNext(t *testing.T) {
	data := []byte("abcdef")
	chunks := ChunkBytes(data, 3)
	_ = append(chunks[0], 'X')
	if string(chunks[1]) != "def" {
		t.Fatalf("append to chunk[0] clobbered chunk[1]: %q", chunks[1])
	}
}

func TestPacketSize(t *testing.T) {
	tests := []struct {
		mtu  int
		want int
	}{
		{DefaultMTU, 20},
		{247, 244},
		{3, 1},
		{0, 1},
	}
	for _, tt := range tests {
		if got := PacketSize(tt.mtu); got != tt.want {
			t.Errorf("PacketSize(%d) = %d, want %d", tt.mtu, got, tt.want)
		}
	}
}
