package dump

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
	"k8s.io/klog/v2"
)

// SafeTensorsExt is the extension of bundle dumps.
const SafeTensorsExt = ".safetensors"

// Bundle errors.
var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrOutOfBounds      = errors.New("tensor extends beyond data section")
)

// metaChecksum is the metadata key holding the hex SHA-256 of the data section.
const metaChecksum = "sha256"

// safeTensorHeader is one tensor entry of a SafeTensors header. Shape is
// slowest axis first.
type safeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// SafeTensor is a tensor read back from a bundle. Shape is fastest axis
// first, like tensor.Shape.
type SafeTensor struct {
	DType tensor.DataType
	Shape tensor.Shape
	Data  []byte
}

var safeTensorsDTypes = map[tensor.DataType]string{
	tensor.Float32:  "F32",
	tensor.Float16:  "F16",
	tensor.BFloat16: "BF16",
	tensor.Float64:  "F64",
	tensor.Int8:     "I8",
	tensor.Uint8:    "U8",
	tensor.Int16:    "I16",
	tensor.Uint16:   "U16",
	tensor.Int32:    "I32",
	tensor.Uint32:   "U32",
	tensor.Int64:    "I64",
	tensor.Uint64:   "U64",
	tensor.Bool8:    "BOOL",
}

// WriteSafeTensors writes tensors to w in SafeTensors layout:
//
//	[8 bytes: header size, uint64 LE]
//	[header: JSON, space padded to 8 bytes]
//	[data: raw storage bytes, tensors in name order]
//
// The SHA-256 of the data section is recorded in the metadata.
func WriteSafeTensors(w io.Writer, tensors map[string]*tensor.Tensor, metadata map[string]string) error {
	names := slices.Sorted(maps.Keys(tensors))

	header := make(map[string]any, len(names)+1)
	var data bytes.Buffer
	for _, name := range names {
		t := tensors[name]
		dt, ok := safeTensorsDTypes[t.DType().Type]
		if !ok {
			return fmt.Errorf("tensor %s: no SafeTensors type for %s", name, t.DType().Type)
		}
		raw, err := t.Bytes()
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		shape := t.Shape()
		dims := make([]int64, len(shape))
		for i, d := range shape {
			dims[len(shape)-1-i] = int64(d)
		}
		start := int64(data.Len())
		data.Write(raw)
		header[name] = safeTensorHeader{DType: dt, Shape: dims, DataOffsets: [2]int64{start, int64(data.Len())}}
	}

	meta := make(map[string]string, len(metadata)+1)
	maps.Copy(meta, metadata)
	sum := sha256.Sum256(data.Bytes())
	meta[metaChecksum] = hex.EncodeToString(sum[:])
	header["__metadata__"] = meta

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	if pad := len(headerJSON) % 8; pad != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, 8-pad)...)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	_, err = w.Write(data.Bytes())
	return err
}

// ReadSafeTensors parses a bundle written by WriteSafeTensors and verifies
// its checksum when one is recorded.
func ReadSafeTensors(b []byte) (map[string]SafeTensor, map[string]string, error) {
	if len(b) < 8 {
		return nil, nil, fmt.Errorf("%w: bundle of %d bytes", ErrOutOfBounds, len(b))
	}
	size := binary.LittleEndian.Uint64(b[:8])
	if size > uint64(len(b)-8) {
		return nil, nil, fmt.Errorf("%w: header of %d bytes", ErrOutOfBounds, size)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(b[8:8+size], &header); err != nil {
		return nil, nil, fmt.Errorf("failed to parse header: %w", err)
	}
	data := b[8+size:]

	var meta map[string]string
	if raw, ok := header["__metadata__"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
		delete(header, "__metadata__")
	}
	if want, ok := meta[metaChecksum]; ok {
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != want {
			return nil, nil, ErrChecksumMismatch
		}
	}

	out := make(map[string]SafeTensor, len(header))
	for name, raw := range header {
		var h safeTensorHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			return nil, nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		start, end := h.DataOffsets[0], h.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(data)) {
			return nil, nil, fmt.Errorf("%w: tensor %s at [%d,%d)", ErrOutOfBounds, name, start, end)
		}
		st := SafeTensor{DType: tensor.None, Data: data[start:end]}
		for dt, s := range safeTensorsDTypes {
			if s == h.DType {
				st.DType = dt
			}
		}
		if st.DType == tensor.None {
			return nil, nil, fmt.Errorf("tensor %s: unknown dtype %q", name, h.DType)
		}
		for i := len(h.Shape) - 1; i >= 0; i-- {
			st.Shape = append(st.Shape, int(h.Shape[i]))
		}
		out[name] = st
	}
	return out, meta, nil
}

// GraphSafeTensors writes every non-virtual resolved tensor of g into one
// bundle named name+".safetensors", keyed "t<id>". It returns the number of
// tensors bundled.
func GraphSafeTensors(ctx context.Context, sink Sink, g *graph.Graph, name string) (int, error) {
	tensors := make(map[string]*tensor.Tensor)
	for _, id := range g.TensorIDs() {
		t := g.Tensor(id)
		if t.Virtual() || !t.Attr().Resolved() {
			continue
		}
		tensors[fmt.Sprintf("t%d", id)] = t
	}
	var buf bytes.Buffer
	meta := map[string]string{"graph": g.Name, "id": g.ID.String()}
	if err := WriteSafeTensors(&buf, tensors, meta); err != nil {
		return 0, fmt.Errorf("bundling %s: %w", g.Name, err)
	}
	if err := sink.Put(ctx, name+SafeTensorsExt, buf.Bytes()); err != nil {
		return 0, err
	}
	klog.FromContext(ctx).V(2).Info("Dumped graph bundle", "graph", g.Name, "tensors", len(tensors))
	return len(tensors), nil
}
