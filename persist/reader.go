package persist

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/DataDog/zstd"
	"github.com/kestrelmq/broker/codec/packet"
	"github.com/kestrelmq/broker/qos"
)

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readStr(r io.Reader) (string, error) {
	n, err := readU16(r)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", ErrTruncated
	}
	return string(buf), nil
}

func readBytesField(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []byte{}, nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, ErrTruncated
	}
	return buf, nil
}

// Exists reports whether path names an existing persistence file. The
// broker uses this to distinguish "fresh start, begin empty" from "restore
// this" without treating a missing file as an error.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Restore reads path's full chunk stream into a Snapshot. Unknown chunk
// types are skipped by their declared length, so a file written by a
// future minor revision that adds chunk types still restores everything
// this version understands.
func Restore(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var magic [15]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, ErrBadMagic
	}
	if _, err := readU32(f); err != nil { // CRC: reserved, ignored
		return nil, err
	}
	version, err := readU32(f)
	if err != nil {
		return nil, err
	}
	if version > Version {
		return nil, ErrUnsupportedVers
	}

	snap := &Snapshot{}
	clientIdx := make(map[string]int)

	for {
		tp, err := readU16(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		length, err := readU32(f)
		if err != nil {
			return nil, err
		}
		body := io.LimitReader(f, int64(length))

		switch chunkType(tp) {
		case chunkCFG:
			shutdown, err := readByte(body)
			if err != nil {
				return nil, err
			}
			if _, err := readByte(body); err != nil { // sizeof(dbid)
				return nil, err
			}
			lastID, err := readU64(body)
			if err != nil {
				return nil, err
			}
			snap.Shutdown = shutdown != 0
			snap.LastDBID = lastID

		case chunkMsgStore:
			m, err := decodeMsgStore(body)
			if err != nil {
				return nil, err
			}
			snap.Messages = append(snap.Messages, m)

		case chunkClientMsg:
			clientID, err := readStr(body)
			if err != nil {
				return nil, err
			}
			storeID, err := readU64(body)
			if err != nil {
				return nil, err
			}
			mid, err := readU16(body)
			if err != nil {
				return nil, err
			}
			qosByte, err := readByte(body)
			if err != nil {
				return nil, err
			}
			if _, err := readByte(body); err != nil { // retain-carry: unused
				return nil, err
			}
			direction, err := readByte(body)
			if err != nil {
				return nil, err
			}
			state, err := readByte(body)
			if err != nil {
				return nil, err
			}
			dup, err := readByte(body)
			if err != nil {
				return nil, err
			}

			entry := &qos.ClientMsg{
				Mid:       mid,
				StoreID:   storeID,
				Direction: qos.Direction(direction),
				QoS:       packet.QoS(qosByte),
				State:     qos.State(state),
				Dup:       dup != 0,
			}
			idx, ok := clientIdx[clientID]
			if !ok {
				idx = len(snap.Clients)
				clientIdx[clientID] = idx
				snap.Clients = append(snap.Clients, ClientEntry{ClientID: clientID})
			}
			snap.Clients[idx].Messages = append(snap.Clients[idx].Messages, entry)

		case chunkRetain:
			id, err := readU64(body)
			if err != nil {
				return nil, err
			}
			snap.Retained = append(snap.Retained, id)

		case chunkSub:
			clientID, err := readStr(body)
			if err != nil {
				return nil, err
			}
			topic, err := readStr(body)
			if err != nil {
				return nil, err
			}
			qosByte, err := readByte(body)
			if err != nil {
				return nil, err
			}
			snap.Subs = append(snap.Subs, SubEntry{ClientID: clientID, Topic: topic, QoS: packet.QoS(qosByte)})

		default:
			// unknown chunk type: skip by declared length
			if _, err := io.Copy(io.Discard, body); err != nil {
				return nil, err
			}
		}

		// Drain anything a handler above didn't consume (forward-compat
		// fields added to a known chunk type by a future writer).
		if _, err := io.Copy(io.Discard, body); err != nil {
			return nil, err
		}
	}

	return snap, nil
}

func decodeMsgStore(r io.Reader) (MessageEntry, error) {
	var m MessageEntry
	id, err := readU64(r)
	if err != nil {
		return m, err
	}
	sourceID, err := readStr(r)
	if err != nil {
		return m, err
	}
	sourceMid, err := readU16(r)
	if err != nil {
		return m, err
	}
	if _, err := readU16(r); err != nil { // msg_mid: unused
		return m, err
	}
	topic, err := readStr(r)
	if err != nil {
		return m, err
	}
	qosByte, err := readByte(r)
	if err != nil {
		return m, err
	}
	retainByte, err := readByte(r)
	if err != nil {
		return m, err
	}
	payload, err := readBytesField(r)
	if err != nil {
		return m, err
	}
	if retainByte&retainCompressedBit != 0 {
		decompressed, err := zstd.Decompress(nil, payload)
		if err != nil {
			return m, err
		}
		payload = decompressed
	}

	m.ID = id
	m.SourceID = sourceID
	m.SourceMid = sourceMid
	m.Topic = topic
	m.QoS = packet.QoS(qosByte)
	m.Retain = retainByte&0x01 != 0
	m.Payload = payload
	return m, nil
}
