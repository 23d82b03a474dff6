// Package dump writes tensors and graph structure for offline inspection.
package dump

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/tensor"
	"k8s.io/klog/v2"
)

// Format selects how tensor contents are written.
type Format int

// Dump formats.
const (
	// Text writes one element per line in the element type's own domain:
	// stored integers for integer types, decimals for float types.
	Text Format = iota
	// TextFloat32 writes one dequantized float32 element per line.
	TextFloat32
	// Binary writes the raw storage bytes.
	Binary
)

// Ext returns the file extension used for the format.
func (f Format) Ext() string {
	if f == Binary {
		return ".bin"
	}
	return ".txt"
}

// ParseFormat parses "text", "fp32", or "binary".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text":
		return Text, nil
	case "fp32", "float32":
		return TextFloat32, nil
	case "binary", "bin":
		return Binary, nil
	default:
		return 0, fmt.Errorf("unknown dump format %q", s)
	}
}

// WriteTensor writes the resolved contents of t to w.
func WriteTensor(w io.Writer, t *tensor.Tensor, f Format) error {
	data, err := t.Bytes()
	if err != nil {
		return fmt.Errorf("reading tensor: %w", err)
	}
	if f == Binary {
		_, err := w.Write(data)
		return err
	}

	dtype := t.DType()
	if f == Text {
		// Stored values, without dequantization.
		dtype = tensor.DType{Type: dtype.Type}
	}
	values, err := tensor.DecodeAll(dtype, data)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	for _, v := range values {
		bw.WriteString(formatValue(v, dtype.Type, f))
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func formatValue(v float32, dt tensor.DataType, f Format) string {
	if f == Text && !dt.IsFloat() {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(float64(v), 'f', 6, 32)
}

// Tensor writes t to sink under name plus the format extension.
func Tensor(ctx context.Context, sink Sink, name string, t *tensor.Tensor, f Format) error {
	var sb strings.Builder
	if err := WriteTensor(&sb, t, f); err != nil {
		return fmt.Errorf("dumping %s: %w", name, err)
	}
	return sink.Put(ctx, name+f.Ext(), []byte(sb.String()))
}

// GraphTensors writes every non-virtual tensor of g with a resolved shape to
// sink as "<prefix>t<id>". Tensors that cannot be read are skipped with a
// log line. It returns the number of tensors written.
func GraphTensors(ctx context.Context, sink Sink, g *graph.Graph, prefix string, f Format) (int, error) {
	log := klog.FromContext(ctx)
	written := 0
	for _, id := range g.TensorIDs() {
		t := g.Tensor(id)
		if t.Virtual() || !t.Attr().Resolved() {
			continue
		}
		name := fmt.Sprintf("%st%d", prefix, id)
		if err := Tensor(ctx, sink, name, t, f); err != nil {
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			log.Error(err, "Skipping tensor", "tensor", id)
			continue
		}
		written++
	}
	log.V(2).Info("Dumped graph tensors", "graph", g.Name, "tensors", written)
	return written, nil
}
