package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/keelml/keel/internal/precision"
	"github.com/keelml/keel/internal/tensor"
)

// Tensor container: 8-byte little-endian header length, JSON header mapping
// tensor name to {dtype, shape, data_offsets}, then raw data. The same
// framing HF safetensors files use, so foreign pretrained checkpoints are
// read with the identical path as keel's own state files.

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// writeTensors serializes tree to w with deterministic header layout
// (names sorted, offsets in name order). meta lands in __metadata__.
func writeTensors(w io.Writer, tree tensor.Tree, meta map[string]string) error {
	names := tree.Names()
	header := make(map[string]any, len(names)+1)
	if len(meta) > 0 {
		header["__metadata__"] = meta
	}
	off := int64(0)
	for _, name := range names {
		t := tree[name]
		size := int64(t.Len()) * 4
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       t.Shape,
			DataOffsets: []int64{off, off + size},
		}
		off += size
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}
	buf := make([]byte, 0, 4096)
	for _, name := range names {
		buf = buf[:0]
		for _, v := range tree[name].Data {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// tensorFile is an open tensor container.
type tensorFile struct {
	path      string
	dataStart int64
	meta      map[string]string
	tensors   map[string]tensorHeader
}

func openTensors(path string) (*tensorFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen > 1<<30 {
		return nil, fmt.Errorf("%w: %s: implausible header length %d", ErrCorrupt, path, headerLen)
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, fmt.Errorf("%w: %s: truncated header", ErrCorrupt, path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	tf := &tensorFile{
		path:      path,
		dataStart: int64(8 + headerLen),
		tensors:   make(map[string]tensorHeader, len(raw)),
	}
	if metaRaw, ok := raw["__metadata__"]; ok {
		if err := json.Unmarshal(metaRaw, &tf.meta); err != nil {
			return nil, fmt.Errorf("%w: %s: bad metadata: %v", ErrCorrupt, path, err)
		}
		delete(raw, "__metadata__")
	}
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: %s: tensor %s: %v", ErrCorrupt, path, name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("%w: %s: tensor %s: bad offsets", ErrCorrupt, path, name)
		}
		tf.tensors[name] = th
	}
	return tf, nil
}

func (tf *tensorFile) names() []string {
	out := make([]string, 0, len(tf.tensors))
	for name := range tf.tensors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (tf *tensorFile) shape(name string) ([]int, bool) {
	th, ok := tf.tensors[name]
	if !ok {
		return nil, false
	}
	return th.Shape, true
}

// read loads one tensor, widening bf16/f16 storage to float32.
func (tf *tensorFile) read(name string) (*tensor.Tensor, error) {
	th, ok := tf.tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s: tensor %s not found", ErrCorrupt, tf.path, name)
	}
	n := 1
	for _, d := range th.Shape {
		n *= d
	}
	raw := make([]byte, th.DataOffsets[1]-th.DataOffsets[0])
	f, err := os.Open(tf.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.ReadAt(raw, tf.dataStart+th.DataOffsets[0]); err != nil {
		return nil, fmt.Errorf("%w: %s: tensor %s: %v", ErrCorrupt, tf.path, name, err)
	}

	out := tensor.New(th.Shape...)
	switch th.DType {
	case "F32":
		if len(raw) != n*4 {
			return nil, fmt.Errorf("%w: %s: tensor %s: f32 size mismatch", ErrCorrupt, tf.path, name)
		}
		for i := 0; i < n; i++ {
			out.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "BF16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("%w: %s: tensor %s: bf16 size mismatch", ErrCorrupt, tf.path, name)
		}
		for i := 0; i < n; i++ {
			out.Data[i] = precision.BF16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case "F16":
		if len(raw) != n*2 {
			return nil, fmt.Errorf("%w: %s: tensor %s: f16 size mismatch", ErrCorrupt, tf.path, name)
		}
		for i := 0; i < n; i++ {
			out.Data[i] = precision.F16ToF32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		return nil, fmt.Errorf("%w: %s: tensor %s: unsupported dtype %s", ErrCorrupt, tf.path, name, th.DType)
	}
	return out, nil
}
