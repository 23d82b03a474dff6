// Package ops defines the operator kinds of the lowering engine.
//
// Primitive kinds infer output shapes in their Setup hook. Composite kinds
// (BidirectionalSequenceRNN, PreProcess) emit a subgraph of primitives through
// the node workspace instead; the hardware compiler only ever sees
// primitives.
//
// Tensors are laid out fastest-varying axis first: a time-major sequence is
// [features, batch, time] and a batch-major one is [features, time, batch].
package ops
