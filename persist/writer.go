package persist

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/DataDog/zstd"
)

func writeByte(w io.Writer, v byte) error {
	_, err := w.Write([]byte{v})
	return err
}

func writeU16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeU64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeStr(w io.Writer, s string) error {
	if err := writeU16(w, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeBytes(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// writeChunk buffers payload, then emits type + length + payload so the
// length prefix never has to be patched in place.
func writeChunk(w io.Writer, tp chunkType, payload []byte) error {
	if err := writeU16(w, uint16(tp)); err != nil {
		return err
	}
	if err := writeU32(w, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// Options configures how Backup writes a snapshot.
type Options struct {
	// Compress zstd-compresses each MSG_STORE chunk's payload bytes.
	// Restore auto-detects per message from the retain byte, so a single
	// file may freely mix compressed and uncompressed entries across
	// backups taken with the setting flipped mid-lifetime.
	Compress bool
}

// Backup writes path atomically: it renders the full file into a temporary
// sibling, then renames it over path, so a crash mid-write never corrupts
// the last good snapshot. Chunks are emitted MSG_STORE, then one
// CLIENT_MSG per entry per client, then SUB and RETAIN walking the trie —
// the order the spec's restore procedure expects (messages exist before
// anything references their store id).
func Backup(path string, snap Snapshot, opts Options) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".persist-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if err = writeSnapshot(tmp, snap, opts); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func writeSnapshot(w io.Writer, snap Snapshot, opts Options) error {
	if _, err := w.Write(Magic[:]); err != nil {
		return err
	}
	if err := writeU32(w, 0); err != nil { // CRC: reserved, never computed
		return err
	}
	if err := writeU32(w, Version); err != nil {
		return err
	}

	var cfg bytes.Buffer
	var shutdownFlag byte
	if snap.Shutdown {
		shutdownFlag = 1
	}
	writeByte(&cfg, shutdownFlag)
	writeByte(&cfg, 8) // sizeof(dbid)
	writeU64(&cfg, snap.LastDBID)
	if err := writeChunk(w, chunkCFG, cfg.Bytes()); err != nil {
		return err
	}

	for _, m := range snap.Messages {
		buf, err := encodeMsgStore(m, opts.Compress)
		if err != nil {
			return err
		}
		if err := writeChunk(w, chunkMsgStore, buf); err != nil {
			return err
		}
	}

	for _, c := range snap.Clients {
		for _, m := range c.Messages {
			var buf bytes.Buffer
			writeStr(&buf, c.ClientID)
			writeU64(&buf, m.StoreID)
			writeU16(&buf, m.Mid)
			writeByte(&buf, byte(m.QoS))
			writeByte(&buf, boolByte(false)) // retain-carry: not tracked per-entry, always 0 on disk
			writeByte(&buf, byte(m.Direction))
			writeByte(&buf, byte(m.State))
			writeByte(&buf, boolByte(m.Dup))
			if err := writeChunk(w, chunkClientMsg, buf.Bytes()); err != nil {
				return err
			}
		}
	}

	for _, s := range snap.Subs {
		var buf bytes.Buffer
		writeStr(&buf, s.ClientID)
		writeStr(&buf, s.Topic)
		writeByte(&buf, byte(s.QoS))
		if err := writeChunk(w, chunkSub, buf.Bytes()); err != nil {
			return err
		}
	}

	for _, id := range snap.Retained {
		var buf bytes.Buffer
		writeU64(&buf, id)
		if err := writeChunk(w, chunkRetain, buf.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

func encodeMsgStore(m MessageEntry, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	writeU64(&buf, m.ID)
	writeStr(&buf, m.SourceID)
	writeU16(&buf, m.SourceMid)
	writeU16(&buf, 0) // msg_mid: carried in the original format, unused here
	writeStr(&buf, m.Topic)
	writeByte(&buf, byte(m.QoS))

	payload := m.Payload
	retainByte := boolByte(m.Retain)
	if compress && len(payload) > 0 {
		compressed, err := zstd.Compress(nil, payload)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(payload) {
			payload = compressed
			retainByte |= retainCompressedBit
		}
	}
	writeByte(&buf, retainByte)
	writeBytes(&buf, payload)
	return buf.Bytes(), nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
