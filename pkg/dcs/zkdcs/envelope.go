package zkdcs

import "encoding/binary"

// ZooKeeper znode versions count every write, which says nothing about
// our fencing generations. Each znode therefore carries a small
// envelope: a magic marker plus the big-endian generation, followed by
// the payload.
var envelopeMagic = []byte("dmn1")

const envelopeLen = 4 + 8

func encodeEnvelope(generation uint64, data []byte) []byte {
	out := make([]byte, envelopeLen+len(data))
	copy(out, envelopeMagic)
	binary.BigEndian.PutUint64(out[4:], generation)
	copy(out[envelopeLen:], data)
	return out
}

// decodeEnvelope splits a znode payload. Data written by other tools
// has no envelope and reads back at generation zero.
func decodeEnvelope(raw []byte) (generation uint64, data []byte) {
	if len(raw) < envelopeLen || string(raw[:4]) != string(envelopeMagic) {
		return 0, raw
	}
	return binary.BigEndian.Uint64(raw[4:envelopeLen]), raw[envelopeLen:]
}
