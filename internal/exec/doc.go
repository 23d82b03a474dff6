// Package exec is a reference CPU executor for primitive graphs.
//
// Every value is held as float32 regardless of the tensor element type;
// DataConvert round-trips through the target encoding so quantization
// effects stay visible. The executor exists to check lowered graphs against
// expected results, not for speed.
package exec
