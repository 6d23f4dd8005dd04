package protocol

const (
	// DefaultMTU is the ATT MTU before any exchange.
	DefaultMTU = 23
	// attOverhead is the ATT opcode and handle carried in every packet.
	attOverhead = 3
)

// PacketSize returns the usable payload per notification or write for an
// ATT MTU. It never returns less than 1.
func PacketSize(mtu int) int {
	n := mtu - attOverhead
	if n < 1 {
		return 1
	}
	return n
}

// ChunkBytes splits data into consecutive packets of at most maxBytes.
// The packets alias data. Returns nil for empty data or maxBytes <= 0.
func ChunkBytes(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 || maxBytes <= 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(data)+maxBytes-1)/maxBytes)
	for len(data) > 0 {
		n := min(maxBytes, len(data))
		chunks = append(chunks, data[:n:n])
		data = data[n:]
	}
	return chunks
}
