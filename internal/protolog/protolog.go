// Package protolog reads and writes length-delimited message logs.
//
// Wire format: repeated [uint32 big-endian = N][N bytes serialized
// message]. The same format is used for frame recordings (.pb), for
// annotation sidecars (.seg.pb), and for the batches sent to dashboards.
package protolog

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"visionhub/internal/log"
	"visionhub/internal/pb"
)

// MaxRecordSize caps a single record at 10 MiB. A length prefix of zero
// or above the cap is treated as corruption, not data.
const MaxRecordSize = 10 * 1024 * 1024

// maxLoggedErrors limits per-record noise when a file is badly damaged.
const maxLoggedErrors = 10

var logger = log.WithComponent("protolog")

// Encode serializes messages with length prefixes into one buffer.
func Encode[M pb.Message](msgs []M) []byte {
	var out []byte
	for _, m := range msgs {
		raw := m.MarshalAppend(nil)
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(len(raw)))
		out = append(out, hdr[:]...)
		out = append(out, raw...)
	}
	return out
}

// Decode is the inverse of Encode for an in-memory buffer. It stops
// cleanly at end-of-buffer or on a corrupt length prefix, and skips
// records that fail to parse individually.
func Decode[T any, M interface {
	pb.Message
	*T
}](data []byte) []*T {
	var msgs []*T
	skipped := 0
	off := 0
	for off+4 <= len(data) {
		length := binary.BigEndian.Uint32(data[off : off+4])
		off += 4
		if length == 0 || length > MaxRecordSize {
			break
		}
		end := off + int(length)
		if end > len(data) {
			break
		}
		rec := new(T)
		if err := M(rec).Unmarshal(data[off:end]); err != nil {
			skipped++
			if skipped <= maxLoggedErrors {
				logger.Warn().Int("offset", off-4).Uint32("length", length).
					Err(err).Msg("skipping corrupt record")
			}
		} else {
			msgs = append(msgs, rec)
		}
		off = end
	}
	if skipped > 0 {
		logger.Warn().Int("decoded", len(msgs)).Int("skipped", skipped).
			Msg("recovered records from corrupt buffer")
	}
	return msgs
}

// ReadFile streams every record from a length-delimited file with
// corruption recovery.
//
// When a length prefix reads as zero or impossibly large the reader
// rewinds to one byte past the bad header and rescans for a plausible
// prefix, so a partial or interrupted write does not discard the rest of
// the file. A truncated record at the tail ends the read cleanly.
// Records that fail to parse are counted and skipped. Only open errors
// are returned.
func ReadFile[T any, M interface {
	pb.Message
	*T
}](path string) ([]*T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var msgs []*T
	errCount := 0
	rewind := int64(-1)
	var hdr [4]byte

	for {
		if rewind >= 0 {
			if _, err := f.Seek(rewind, io.SeekStart); err != nil {
				return msgs, fmt.Errorf("seek %s: %w", path, err)
			}
			rewind = -1
		}

		headerPos, err := f.Seek(0, io.SeekCurrent)
		if err != nil {
			return msgs, fmt.Errorf("seek %s: %w", path, err)
		}
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			break // clean EOF
		}
		length := binary.BigEndian.Uint32(hdr[:])

		if length == 0 || length > MaxRecordSize {
			// Zero or impossibly-large prefix. Could be mid-file
			// corruption or padding; scan forward one byte and retry so
			// frames later in the file survive.
			errCount++
			if errCount <= maxLoggedErrors {
				logger.Warn().Uint32("length", length).Int64("offset", headerPos).
					Msg("suspicious length prefix, scanning forward")
			}
			rewind = headerPos + 1
			continue
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(f, buf); err != nil {
			break // truncated tail
		}

		rec := new(T)
		if err := M(rec).Unmarshal(buf); err != nil {
			errCount++
			if errCount <= maxLoggedErrors {
				logger.Warn().Int64("offset", headerPos).Uint32("length", length).
					Err(err).Msg("corrupt record")
			}
			continue // advance past the record either way
		}
		msgs = append(msgs, rec)
	}

	if errCount > 0 {
		logger.Warn().Str("path", path).Int("recovered", len(msgs)).
			Int("errors", errCount).Msg("read finished with recovery")
	}
	return msgs, nil
}

// AppendFile appends messages to a length-delimited file, creating
// parent directories as needed. Returns the count written.
func AppendFile[M pb.Message](path string, msgs []M) (int, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(Encode(msgs)); err != nil {
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	return len(msgs), nil
}
