package ops

import (
	"fmt"
	"strings"
)

// SourceFormat is the layout of the data a caller feeds into a
// pre-processing adapter.
type SourceFormat int

// Source formats.
const (
	FormatTensor SourceFormat = iota
	FormatGray
	FormatRGB // packed, three bytes per pixel
	FormatRGB888Planar
	FormatRGB888PlanarSep // one tensor per channel
	FormatYUV420
	FormatYUV444
	FormatNV12
	FormatNV21
	FormatNV12RGGB
	FormatNV21BGGR
	FormatBGRA
	FormatYUYV422
	FormatUYVY422
)

var formatNames = map[SourceFormat]string{
	FormatTensor:          "tensor",
	FormatGray:            "gray",
	FormatRGB:             "rgb",
	FormatRGB888Planar:    "rgb888_planar",
	FormatRGB888PlanarSep: "rgb888_planar_sep",
	FormatYUV420:          "yuv420",
	FormatYUV444:          "yuv444",
	FormatNV12:            "nv12",
	FormatNV21:            "nv21",
	FormatNV12RGGB:        "nv12_rggb",
	FormatNV21BGGR:        "nv21_bggr",
	FormatBGRA:            "bgra",
	FormatYUYV422:         "yuyv422",
	FormatUYVY422:         "uyvy422",
}

// String returns the format name used in configuration files.
func (f SourceFormat) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// UnmarshalText parses a format name.
func (f *SourceFormat) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	for format, name := range formatNames {
		if name == s {
			*f = format
			return nil
		}
	}
	return fmt.Errorf("unknown source format %q", text)
}

// MarshalText returns the format name.
func (f SourceFormat) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Arity returns the number of physical input tensors the format needs.
func (f SourceFormat) Arity() int {
	switch f {
	case FormatYUV420, FormatYUV444, FormatRGB888PlanarSep:
		return 3
	case FormatNV12, FormatNV21, FormatNV12RGGB, FormatNV21BGGR:
		return 2
	default:
		return 1
	}
}

// IsImage reports whether the format carries 8-bit image data.
func (f SourceFormat) IsImage() bool {
	return f != FormatTensor
}

// SourceLayout is the axis order of the caller's data.
type SourceLayout int

// Source layouts.
const (
	LayoutNCHW SourceLayout = iota
	LayoutNHWC
)

// String returns the layout name.
func (l SourceLayout) String() string {
	switch l {
	case LayoutNCHW:
		return "nchw"
	case LayoutNHWC:
		return "nhwc"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// UnmarshalText parses a layout name.
func (l *SourceLayout) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "nchw":
		*l = LayoutNCHW
	case "nhwc":
		*l = LayoutNHWC
	default:
		return fmt.Errorf("unknown source layout %q", text)
	}
	return nil
}

// MarshalText returns the layout name.
func (l SourceLayout) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// Rect is a crop window in source pixels.
type Rect struct {
	Left   int `yaml:"left"`
	Top    int `yaml:"top"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}
