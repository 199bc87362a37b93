// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package topology assembles small convolutional image classifiers as
// explicit, shape-checked DAGs of named stages, and lowers them onto GoMLX
// computation graphs.
//
// A topology is wired once with a Builder: one or two image inputs flow
// through convolution (+ReLU), max-pooling, flatten and channel
// concatenation stages into a dense softmax head. Every edge is validated as
// it is added -- shape contract violations (wrong rank, pooling window larger
// than its input, concatenating mismatched branches, kernel/dilation
// combinations that would need asymmetric padding) fail at construction
// time, never at graph execution time.
//
// The finished Topology is consumed by the training code: Topology.ModelFn
// adapts it to a GoMLX train.ModelFn, and Topology.Apply lowers it onto the
// graph of a batch of images. The canonical topologies -- the linear
// conv/pool stack and the two-branch "Y" network -- are built by the models
// package.
package topology

import (
	"fmt"
	"strings"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train"
)

// Topology is a finished, validated DAG of stages: one or two input nodes,
// one output node, and a per-example output shape for every node. It is
// immutable and safe for concurrent use; the learned weights live in the
// context it is applied under, not in the Topology.
//
// Build one with a Builder, or use the canonical constructors in the models
// package.
type Topology struct {
	config Config
	nodes  []*Node // topological order
	byName map[string]*Node
	inputs []*Node
	output *Node
}

// Config returns the construction configuration, with defaults applied.
func (t *Topology) Config() Config { return t.config }

// Inputs returns the designated input nodes, in creation order. There are
// one or two of them.
func (t *Topology) Inputs() []*Node { return append([]*Node(nil), t.inputs...) }

// NumInputs returns the number of input nodes (1 or 2).
func (t *Topology) NumInputs() int { return len(t.inputs) }

// Output returns the designated output (sink) node.
func (t *Topology) Output() *Node { return t.output }

// Nodes returns every node in topological order: inputs first, the output
// node last or later.
func (t *Topology) Nodes() []*Node { return append([]*Node(nil), t.nodes...) }

// Node returns the node with the given name, or nil if there is none.
func (t *Topology) Node(name string) *Node { return t.byName[name] }

// Apply lowers the topology onto the computation graph of the given batched
// inputs, one per input node, each shaped [batch_size, height, width,
// channels] with the topology's per-example shape after the batch axis.
// It returns the output node's batched value, [batch_size, ...] shaped.
//
// Weight variables are created (or reused) in ctx, one scope per node name.
// Like all graph building code it panics on invalid inputs; construction
// already validated the topology itself.
func (t *Topology) Apply(ctx *context.Context, inputs ...*graph.Node) *graph.Node {
	if len(inputs) != len(t.inputs) {
		Panicf("topology has %d input nodes, Apply was given %d batched inputs", len(t.inputs), len(inputs))
	}
	batchSize := -1
	lowered := make(map[*Node]*graph.Node, len(t.nodes))
	for ii, node := range t.inputs {
		batched := inputs[ii]
		if batched == nil {
			Panicf("topology input %q (#%d) received a nil node", node.name, ii)
		}
		got := batched.Shape()
		want := node.shape
		if got.DType != want.DType || got.Rank() != want.Rank()+1 {
			Panicf("topology input %q expects a batch shaped [batch_size]+%s, got %s", node.name, want, got)
		}
		for axis, dim := range want.Dimensions {
			if got.Dimensions[axis+1] != dim {
				Panicf("topology input %q expects a batch shaped [batch_size]+%s, got %s", node.name, want, got)
			}
		}
		if batchSize == -1 {
			batchSize = got.Dimensions[0]
		} else if got.Dimensions[0] != batchSize {
			Panicf("topology inputs disagree on the batch size: %d vs %d", batchSize, got.Dimensions[0])
		}
		lowered[node] = batched
	}

	for _, node := range t.nodes {
		if node.stage == nil {
			continue
		}
		args := make([]*graph.Node, len(node.inputs))
		for ii, input := range node.inputs {
			args[ii] = lowered[input]
		}
		result := node.stage.Apply(ctx.In(node.name), args...)
		result.AssertDims(append([]int{batchSize}, node.shape.Dimensions...)...)
		lowered[node] = result
	}
	return lowered[t.output]
}

// ModelFn adapts the topology to a GoMLX train.ModelFn, scoping all weights
// under "model".
//
// The returned function takes the dataset's input tensors. A two-input
// topology given a single batch binds that same batch to both inputs -- the
// two branches see the same images, which is how the Y-network is trained.
func (t *Topology) ModelFn() train.ModelFn {
	return func(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
		ctx = ctx.In("model")
		if len(inputs) == 1 && len(t.inputs) == 2 {
			inputs = []*graph.Node{inputs[0], inputs[0]}
		}
		return []*graph.Node{t.Apply(ctx, inputs...)}
	}
}

// String returns a multi-line summary of the topology: every node with its
// stage description and per-example output shape, in topological order.
func (t *Topology) String() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("Topology: %d nodes, %d input(s), output %q",
		len(t.nodes), len(t.inputs), t.output.name))
	for _, node := range t.nodes {
		parts = append(parts, fmt.Sprintf("\t%s (%s) -> %s", node.name, node.Description(), node.shape))
	}
	return strings.Join(parts, "\n")
}
