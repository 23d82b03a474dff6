package nbg

import (
	"errors"
	"fmt"

	"github.com/born-ml/graphlower/internal/driver"
	"github.com/born-ml/graphlower/internal/graph"
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/tensor"
	"k8s.io/klog/v2"
)

// Crop scalar run lengths.
const (
	cropScalars  = 4 // scaleX, scaleY, left, top
	startScalars = 2 // left, top
)

// ErrCropLayout is returned when a compiled graph's parameter list has no
// crop scalar run of the expected shape for the addressed adapter.
var ErrCropLayout = errors.New("unexpected crop parameter layout")

// Crop is a crop window on the source image and the size it is scaled to.
type Crop struct {
	Left, Top     int
	Width, Height int
	DstWidth      int
	DstHeight     int
}

// Values returns {scaleX, scaleY, left, top} with the scales in Q15.
func (c Crop) Values() ([cropScalars]int32, error) {
	if c.DstWidth <= 0 || c.DstHeight <= 0 {
		return [cropScalars]int32{}, fmt.Errorf("%w: destination %dx%d", graph.ErrConfig, c.DstWidth, c.DstHeight)
	}
	return [cropScalars]int32{
		int32(driver.CropScale(c.Width, c.DstWidth)),
		int32(driver.CropScale(c.Height, c.DstHeight)),
		int32(c.Left),
		int32(c.Top),
	}, nil
}

// UpdateCropParams writes crop into the scalar run of the inputIdx-th enabled
// adapter of every compiled node in g. A run of two scalars receives only the
// origin. Every compiled node is attempted; failures are joined.
func UpdateCropParams(g *graph.Graph, drv driver.Driver, inputIdx int, crop Crop) error {
	values, err := crop.Values()
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range g.Nodes() {
		if n.Kind != ops.KindNBG {
			continue
		}
		if err := updateNode(n, drv, inputIdx, values); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Label(), err))
		}
	}
	return errors.Join(errs...)
}

func updateNode(n *graph.Node, drv driver.Driver, inputIdx int, values [cropScalars]int32) error {
	params, err := drv.NodeParams(n)
	if err != nil {
		return err
	}
	start, end, err := scalarRun(params, inputIdx)
	if err != nil {
		return err
	}
	run := values[:]
	if end-start == startScalars {
		run = values[cropScalars-startScalars:]
	}
	var errs []error
	for i, v := range run {
		idx := start + i
		if err := drv.WriteScalar(n, idx, v); err != nil {
			errs = append(errs, err)
			continue
		}
		// Rebind the patched scalar.
		if err := drv.SetParam(n, idx, driver.ScalarRef(&driver.Scalar{Type: scalarType(params[idx]), Value: float64(v)})); err != nil {
			errs = append(errs, err)
		}
	}
	klog.V(2).InfoS("Updated crop parameters", "node", n.Label(), "input", inputIdx,
		"first", start, "values", run)
	return errors.Join(errs...)
}

func scalarType(p driver.Param) tensor.DataType {
	if p.Ref.Scalar != nil {
		return p.Ref.Scalar.Type
	}
	return tensor.Int32
}

// scalarRun locates the scalar run of the inputIdx-th adapter: earlier runs
// are skipped along with the input tensor that closes each of them. It
// returns the half-open range [start, end) of the run. The run must hold two
// or four scalars and be followed by a tensor parameter.
func scalarRun(params []driver.Param, inputIdx int) (start, end int, err error) {
	if inputIdx < 0 {
		return 0, 0, fmt.Errorf("%w: adapter index %d", ErrCropLayout, inputIdx)
	}
	pos := 0
	for skip := inputIdx; skip > 0; skip-- {
		s := nextScalar(params, pos)
		if s < 0 {
			return 0, 0, fmt.Errorf("%w: no scalar run for adapter %d", ErrCropLayout, inputIdx-skip)
		}
		t := nextInputTensor(params, s)
		if t < 0 {
			return 0, 0, fmt.Errorf("%w: scalar run at %d is not followed by an input tensor", ErrCropLayout, s)
		}
		pos = t
	}

	start = nextScalar(params, pos)
	if start < 0 {
		return 0, 0, fmt.Errorf("%w: no scalar run for adapter %d", ErrCropLayout, inputIdx)
	}
	end = start
	for end < len(params) && params[end].Type == driver.ParamScalar {
		end++
	}
	if end == len(params) {
		return 0, 0, fmt.Errorf("%w: scalar run at %d is not followed by a tensor", ErrCropLayout, start)
	}
	if n := end - start; n != cropScalars && n != startScalars {
		return 0, 0, fmt.Errorf("%w: scalar run at %d holds %d scalars", ErrCropLayout, start, n)
	}
	return start, end, nil
}

func nextScalar(params []driver.Param, from int) int {
	for i := from; i < len(params); i++ {
		if params[i].Type == driver.ParamScalar {
			return i
		}
	}
	return -1
}

func nextInputTensor(params []driver.Param, from int) int {
	for i := from; i < len(params); i++ {
		if params[i].Type == driver.ParamTensor && params[i].Direction == driver.DirInput {
			return i
		}
	}
	return -1
}
