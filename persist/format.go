// Package persist implements the chunked snapshot file that lets a broker
// restart without losing durable sessions, subscriptions, retained
// messages, and in-flight QoS state. The layout is the one the spec fixes
// byte-for-byte: a 15-byte magic, a reserved CRC, a version, then a stream
// of typed, length-prefixed chunks.
package persist

// Magic is the 15-byte signature every persistence file starts with.
var Magic = [15]byte{0x00, 0xB5, 0x00, 'm', 'o', 's', 'q', 'u', 'i', 't', 't', 'o', ' ', 'd', 'b'}

// Version is the only snapshot format version this package writes. It
// refuses to restore a file whose version is newer than this.
const Version uint32 = 2

// chunkType tags each record in the chunk stream.
type chunkType uint16

const (
	chunkCFG        chunkType = 1
	chunkMsgStore   chunkType = 2
	chunkClientMsg  chunkType = 3
	chunkRetain     chunkType = 4
	chunkSub        chunkType = 5
)

// retainCompressedBit is set in a MSG_STORE chunk's retain byte (bit 0x01
// is the real retain flag) to mark that the payload bytes were zstd
// compressed on write. This keeps the magic/header/chunk framing exactly as
// the format's original author left it: a file written with compression
// off is byte-identical in shape to one written with it on, the bit is
// simply always 0 in that case.
const retainCompressedBit = 0x02
