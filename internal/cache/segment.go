package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Segment file layout, little-endian throughout:
//
//	magic     8 bytes "KEELSEG1"
//	docCount  u64
//	tokCount  u64
//	offsets   (docCount+1) × u64   token index of each document start
//	tokens    tokCount × i32
//
// A segment is written once and never modified. The layout contains no
// timestamps or process-dependent fields, so rebuilding a shard from the
// same (URI, tokenizer) pair produces byte-identical files.

var segMagic = [8]byte{'K', 'E', 'E', 'L', 'S', 'E', 'G', '1'}

var errSegmentFormat = errors.New("malformed cache segment")

// writeSegment writes the tokenized documents of one shard to path via a
// temporary file and rename, so readers never observe a partial segment.
func writeSegment(path string, docs [][]int32) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := encodeSegment(f, docs); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encodeSegment(w io.Writer, docs [][]int32) error {
	if _, err := w.Write(segMagic[:]); err != nil {
		return err
	}
	total := 0
	for _, d := range docs {
		total += len(d)
	}
	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(len(docs)))
	if _, err := w.Write(u64[:]); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(u64[:], uint64(total))
	if _, err := w.Write(u64[:]); err != nil {
		return err
	}

	off := uint64(0)
	for _, d := range docs {
		binary.LittleEndian.PutUint64(u64[:], off)
		if _, err := w.Write(u64[:]); err != nil {
			return err
		}
		off += uint64(len(d))
	}
	binary.LittleEndian.PutUint64(u64[:], off)
	if _, err := w.Write(u64[:]); err != nil {
		return err
	}

	buf := make([]byte, 0, 4096)
	for _, d := range docs {
		buf = buf[:0]
		for _, tok := range d {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(tok))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// segment is an open, immutable shard segment.
type segment struct {
	f       *os.File
	offsets []uint64 // docCount+1 entries
	tokens  uint64
	dataOff int64 // byte offset of the token array
}

func openSegment(path string) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	head := make([]byte, 8+8+8)
	if _, err := io.ReadFull(f, head); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", errSegmentFormat, path, err)
	}
	if [8]byte(head[:8]) != segMagic {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: bad magic", errSegmentFormat, path)
	}
	docCount := binary.LittleEndian.Uint64(head[8:16])
	tokCount := binary.LittleEndian.Uint64(head[16:24])

	offBytes := make([]byte, (docCount+1)*8)
	if _, err := io.ReadFull(f, offBytes); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: truncated offsets", errSegmentFormat, path)
	}
	offsets := make([]uint64, docCount+1)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint64(offBytes[i*8:])
	}
	if offsets[docCount] != tokCount {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: offset table disagrees with token count", errSegmentFormat, path)
	}

	return &segment{
		f:       f,
		offsets: offsets,
		tokens:  tokCount,
		dataOff: int64(8 + 8 + 8 + (docCount+1)*8),
	}, nil
}

func (s *segment) close() error { return s.f.Close() }

func (s *segment) numDocs() int { return len(s.offsets) - 1 }

// readTokens reads n tokens starting at token index start.
func (s *segment) readTokens(start, n uint64) ([]int32, error) {
	if start+n > s.tokens {
		return nil, fmt.Errorf("%w: token range [%d,%d) beyond %d", errSegmentFormat, start, start+n, s.tokens)
	}
	raw := make([]byte, n*4)
	if _, err := s.f.ReadAt(raw, s.dataOff+int64(start)*4); err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// doc reads document i.
func (s *segment) doc(i int) ([]int32, error) {
	if i < 0 || i >= s.numDocs() {
		return nil, fmt.Errorf("%w: doc %d of %d", errSegmentFormat, i, s.numDocs())
	}
	start := s.offsets[i]
	return s.readTokens(start, s.offsets[i+1]-start)
}
