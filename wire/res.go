// RES (name-resolver gossip) payload codec (§4.11, §6 "0x07 RES"). A
// RES frame's body, unlike SETUP/SM/NAK/RTTM's fixed layout, is a
// packed sequence of variable-length records:
//
//	0  resType  1B
//	1  flags    1B
//	2  port     4B
//	6  ageMs    8B
//	14 addrLen  1B
//	15 nameLen  1B
//	16 address  addrLen bytes
//	   name     nameLen bytes
//
// packed back-to-back up to the frame's MTU limit.
package wire

import "encoding/binary"

const resRecordFixedLength = 16

// ResRecord mirrors the gossip record shape carried over the wire.
// wire has no dependency on the resolver package (which owns the
// neighbor table); callers translate to/from resolver.Record at the
// boundary.
type ResRecord struct {
	Type    uint8
	Flags   uint8
	Port    int32
	AgeMs   int64
	Address string
	Name    string
}

// EncodedLength reports how many bytes r occupies packed into a RES body.
func (r ResRecord) EncodedLength() int {
	return resRecordFixedLength + len(r.Address) + len(r.Name)
}

// EncodeResRecords packs as many records as fit within len(buf),
// returning the number of bytes written. Records are packed whole —
// fitting as many complete records as the space allows, per §4.11
// "entries packed up to MTU" — never split across the boundary.
func EncodeResRecords(buf []byte, records []ResRecord) int {
	off := 0
	for _, r := range records {
		n := r.EncodedLength()
		if off+n > len(buf) {
			break
		}
		buf[off] = r.Type
		buf[off+1] = r.Flags
		binary.LittleEndian.PutUint32(buf[off+2:], uint32(r.Port))
		binary.LittleEndian.PutUint64(buf[off+6:], uint64(r.AgeMs))
		buf[off+14] = byte(len(r.Address))
		buf[off+15] = byte(len(r.Name))
		copy(buf[off+16:], r.Address)
		copy(buf[off+16+len(r.Address):], r.Name)
		off += n
	}
	return off
}

// DecodeResRecords unpacks every record from a RES frame body. Malformed
// trailing bytes (shorter than one more fixed header) are ignored rather
// than erroring, matching a gossip protocol's tolerance for partial reads.
func DecodeResRecords(body []byte) []ResRecord {
	var out []ResRecord
	off := 0
	for off+resRecordFixedLength <= len(body) {
		addrLen := int(body[off+14])
		nameLen := int(body[off+15])
		total := resRecordFixedLength + addrLen + nameLen
		if off+total > len(body) {
			break
		}
		out = append(out, ResRecord{
			Type:    body[off],
			Flags:   body[off+1],
			Port:    int32(binary.LittleEndian.Uint32(body[off+2:])),
			AgeMs:   int64(binary.LittleEndian.Uint64(body[off+6:])),
			Address: string(body[off+16 : off+16+addrLen]),
			Name:    string(body[off+16+addrLen : off+total]),
		})
		off += total
	}
	return out
}
