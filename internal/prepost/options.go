// Package prepost splices input and output adapters into a built graph.
//
// An input adapter (PreProcess) replaces one declared graph input with the
// one to three physical tensors of its source format; an output adapter
// (PostProcess) replaces one declared graph output. Declared boundary lists
// are position-matched by compiled graphs, so every splice rewrites them in
// place and shifts later entries.
package prepost

import (
	"github.com/born-ml/graphlower/internal/ops"
	"github.com/born-ml/graphlower/internal/tensor"
)

// PreProcessOption is one input adapter setting. The concrete types below
// form a closed set.
type PreProcessOption interface {
	applyPre(*PreProcessConfig)
}

// PostProcessOption is one output adapter setting.
type PostProcessOption interface {
	applyPost(*PostProcessConfig)
}

// Crop selects a window of the source image.
type Crop struct {
	Begin [2]int `yaml:"begin"` // x, y
	Size  [2]int `yaml:"size"`  // width, height
}

// ImageSize is the size of the caller's source image.
type ImageSize struct {
	W int `yaml:"w"`
	H int `yaml:"h"`
	C int `yaml:"c"`
}

// ImageResize is the size the adapter scales the image to.
type ImageResize struct {
	W       int  `yaml:"w"`
	H       int  `yaml:"h"`
	C       int  `yaml:"c"`
	Nearest bool `yaml:"nearest,omitempty"`
}

// MeanAndScale normalizes every channel with one shared scale.
type MeanAndScale struct {
	Means []float32
	Scale float32
}

// MeansAndScales normalizes each channel with its own scale.
type MeansAndScales struct {
	Means  []float32
	Scales []float32
}

type (
	// Layout sets the source axis order.
	Layout ops.SourceLayout
	// Format sets the source data format.
	Format ops.SourceFormat
	// Permute reorders the adapter tensor axes.
	Permute []int
	// ReverseChannel swaps the first and third channels.
	ReverseChannel bool
	// DTypeConvert sets the element type of the adapter's graph-side tensor.
	DTypeConvert tensor.DType
)

func (o Layout) applyPre(c *PreProcessConfig) {
	l := ops.SourceLayout(o)
	c.Layout = &l
}

func (o Format) applyPre(c *PreProcessConfig) {
	f := ops.SourceFormat(o)
	c.Format = &f
}

func (o Crop) applyPre(c *PreProcessConfig) {
	c.Crop = &o
}

func (o ImageSize) applyPre(c *PreProcessConfig) {
	c.ImageSize = &o
}

func (o ImageResize) applyPre(c *PreProcessConfig) {
	c.Resize = &o
}

func (o MeanAndScale) applyPre(c *PreProcessConfig) {
	c.Means = append([]float32(nil), o.Means...)
	c.Scales = []float32{o.Scale, o.Scale, o.Scale}
}

func (o MeansAndScales) applyPre(c *PreProcessConfig) {
	c.Means = append([]float32(nil), o.Means...)
	c.Scales = append([]float32(nil), o.Scales...)
}

func (o Permute) applyPre(c *PreProcessConfig) {
	c.Permute = append([]int(nil), o...)
}

func (o Permute) applyPost(c *PostProcessConfig) {
	c.Permute = append([]int(nil), o...)
}

func (o ReverseChannel) applyPre(c *PreProcessConfig) {
	c.ReverseChannel = bool(o)
}

func (o DTypeConvert) applyPre(c *PreProcessConfig) {
	d := tensor.DType(o)
	c.DType = &d
}

func (o DTypeConvert) applyPost(c *PostProcessConfig) {
	d := tensor.DType(o)
	c.DType = &d
}

// PreProcessConfig is the decoded form of a set of PreProcessOptions. Nil
// fields were not given.
type PreProcessConfig struct {
	Layout         *ops.SourceLayout `yaml:"layout"`
	Format         *ops.SourceFormat `yaml:"format"`
	Crop           *Crop             `yaml:"crop,omitempty"`
	ImageSize      *ImageSize        `yaml:"image_size,omitempty"`
	Resize         *ImageResize      `yaml:"resize,omitempty"`
	Means          []float32         `yaml:"means,omitempty"`
	Scales         []float32         `yaml:"scales,omitempty"`
	Permute        []int             `yaml:"permute,omitempty"`
	ReverseChannel bool              `yaml:"reverse_channel,omitempty"`
	DType          *tensor.DType     `yaml:"dtype,omitempty"`
}

// NewPreProcessConfig decodes opts. Later options override earlier ones.
func NewPreProcessConfig(opts ...PreProcessOption) PreProcessConfig {
	var c PreProcessConfig
	for _, opt := range opts {
		opt.applyPre(&c)
	}
	return c
}

// PostProcessConfig is the decoded form of a set of PostProcessOptions.
type PostProcessConfig struct {
	Permute []int         `yaml:"permute,omitempty"`
	DType   *tensor.DType `yaml:"dtype,omitempty"`
}

// NewPostProcessConfig decodes opts. Later options override earlier ones.
func NewPostProcessConfig(opts ...PostProcessOption) PostProcessConfig {
	var c PostProcessConfig
	for _, opt := range opts {
		opt.applyPost(&c)
	}
	return c
}
