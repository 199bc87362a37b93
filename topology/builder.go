// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"fmt"
	"slices"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/pkg/errors"
)

// A Builder assembles a Topology as an explicit DAG of named nodes: one or
// two Input nodes, a stage node per layer, and one node designated the
// output when Done is called.
//
// Every wiring method validates its shape contract eagerly, when the edge is
// created. On the first violation the Builder records the error and every
// later call becomes a no-op returning inert nodes, so construction code can
// be written straight-line and checked once:
//
//	b := topology.NewBuilder(topology.Config{})
//	img := b.Input("image", 28, 28, 1)
//	x := b.MaxPool("pool0", b.Conv("conv0", img))
//	x = b.Dense("head", b.Flatten("flatten", x))
//	t, err := b.Done(x)
//
// A Builder is not safe for concurrent use, and `Done` finishes it: it either
// returns a complete valid Topology or an error, never a partial topology.
type Builder struct {
	config Config
	nodes  []*Node
	byName map[string]*Node
	err    error
}

// Node is a handle to one node of a topology: an input placeholder or an
// applied stage. Its per-example output shape is computed and validated when
// the node is created.
type Node struct {
	builder *Builder
	name    string
	stage   Stage // nil for input nodes
	inputs  []*Node
	shape   shapes.Shape
	invalid bool
}

// Name returns the node's unique name within its topology.
func (n *Node) Name() string { return n.name }

// Kind returns the node's stage kind, or "input" for input nodes.
func (n *Node) Kind() string {
	if n.stage == nil {
		return "input"
	}
	return n.stage.Kind()
}

// Stage returns the stage applied by this node, or nil for input nodes.
func (n *Node) Stage() Stage { return n.stage }

// Inputs returns the nodes feeding this node. It is empty for input nodes.
func (n *Node) Inputs() []*Node { return slices.Clone(n.inputs) }

// Shape returns the node's per-example output shape (no batch axis).
func (n *Node) Shape() shapes.Shape { return n.shape }

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil || n.invalid {
		return "(invalid node)"
	}
	return fmt.Sprintf("%s (%s): %s", n.name, n.Kind(), n.shape)
}

// Description summarizes what the node computes: "input" for input nodes,
// otherwise the stage and its parameters, e.g. "3x3 conv, 64 filters, relu".
func (n *Node) Description() string {
	if n == nil || n.invalid {
		return "(invalid node)"
	}
	if n.stage == nil {
		return "input"
	}
	return stageDescription(n.stage)
}

// NewBuilder creates a Builder for topologies configured by config.
// Zero-valued config fields take the package defaults (see
// Config.WithDefaults); an invalid configuration is reported by Done.
func NewBuilder(config Config) *Builder {
	b := &Builder{
		config: config.WithDefaults(),
		byName: make(map[string]*Node),
	}
	if err := b.config.Validate(); err != nil {
		b.setError(err)
	}
	return b
}

// Config returns the builder's configuration, with defaults applied.
func (b *Builder) Config() Config { return b.config }

// Err returns the first construction error, or nil. Once set, every wiring
// method is a no-op and Done returns the same error.
func (b *Builder) Err() error { return b.err }

func (b *Builder) setError(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) invalidNode() *Node {
	return &Node{builder: b, invalid: true}
}

// Input adds an input node: a placeholder for one example tensor of the
// given per-example dimensions, e.g. Input("image", 28, 28, 1) for grayscale
// 28x28 images. A topology has one or two inputs, each feeding one branch.
func (b *Builder) Input(name string, dimensions ...int) *Node {
	if b.err != nil {
		return b.invalidNode()
	}
	if len(dimensions) != 3 {
		b.setError(errors.Errorf(
			"input %q must have rank-3 [height, width, channels] dimensions, got %v", name, dimensions))
		return b.invalidNode()
	}
	for _, dim := range dimensions {
		if dim < 1 {
			b.setError(errors.Errorf("input %q dimensions must be positive, got %v", name, dimensions))
			return b.invalidNode()
		}
	}
	return b.addNode(name, nil, shapes.Make(b.config.DType, dimensions...))
}

// Conv adds a convolution stage: square kernel of the configured size, the
// configured number of filters, "same" padding and ReLU. The spatial
// dimensions are preserved; the channel count becomes Config.Filters.
func (b *Builder) Conv(name string, input *Node) *Node {
	return b.addStage(name, convStage{
		filters:    b.config.Filters,
		kernelSize: b.config.KernelSize,
		dilation:   1,
	}, input)
}

// DilatedConv adds a convolution stage like Conv, with the kernel dilated by
// the given factor: the kernel samples input positions `dilation` apart,
// widening its receptive field with the same weight count and output shape.
// Dilation 1 is a standard convolution.
func (b *Builder) DilatedConv(name string, input *Node, dilation int) *Node {
	return b.addStage(name, convStage{
		filters:    b.config.Filters,
		kernelSize: b.config.KernelSize,
		dilation:   dilation,
	}, input)
}

// MaxPool adds a downsampling stage: max-pooling over non-overlapping,
// unpadded windows of the configured size, dividing the spatial dimensions
// by Config.PoolWindow (rounding down).
func (b *Builder) MaxPool(name string, input *Node) *Node {
	return b.addStage(name, poolStage{window: b.config.PoolWindow}, input)
}

// Flatten adds a stage reshaping a [height, width, channels] tensor to a
// flat feature vector, in row-major order.
func (b *Builder) Flatten(name string, input *Node) *Node {
	return b.addStage(name, flattenStage{}, input)
}

// ConcatChannels adds a stage concatenating two feature tensors along the
// channel axis. The inputs must agree on every other axis; a mismatch is a
// construction-time error, like every other shape violation.
func (b *Builder) ConcatChannels(name string, left, right *Node) *Node {
	return b.addStage(name, concatStage{}, left, right)
}

// Dense adds the classification head: a learned linear projection to
// Config.NumClasses scores followed by a softmax, producing a probability
// distribution over the classes. It takes a flat feature vector (see
// Flatten).
func (b *Builder) Dense(name string, input *Node) *Node {
	return b.addStage(name, denseStage{numClasses: b.config.NumClasses}, input)
}

func (b *Builder) addStage(name string, stage Stage, inputs ...*Node) *Node {
	if b.err != nil {
		return b.invalidNode()
	}
	inputShapes := make([]shapes.Shape, len(inputs))
	for ii, input := range inputs {
		if input == nil || input.invalid {
			b.setError(errors.Errorf("stage %q was given an invalid input node", name))
			return b.invalidNode()
		}
		if input.builder != b {
			b.setError(errors.Errorf("stage %q was given node %q from a different builder", name, input.name))
			return b.invalidNode()
		}
		inputShapes[ii] = input.shape
	}
	output, err := stage.OutputShape(inputShapes...)
	if err != nil {
		b.setError(errors.WithMessagef(err, "wiring stage %q", name))
		return b.invalidNode()
	}
	return b.addNode(name, stage, output, inputs...)
}

func (b *Builder) addNode(name string, stage Stage, shape shapes.Shape, inputs ...*Node) *Node {
	if name == "" {
		b.setError(errors.New("every topology node requires a non-empty name"))
		return b.invalidNode()
	}
	if _, found := b.byName[name]; found {
		b.setError(errors.Errorf("duplicate node name %q", name))
		return b.invalidNode()
	}
	node := &Node{
		builder: b,
		name:    name,
		stage:   stage,
		inputs:  slices.Clone(inputs),
		shape:   shape,
	}
	b.nodes = append(b.nodes, node)
	b.byName[name] = node
	return node
}

// Done designates the output (sink) node and finishes construction. It
// returns the complete Topology, or the first construction error -- in which
// case no topology is returned at all.
//
// A valid topology has one or two input nodes and every node contributing to
// the output: a node that does not feed the output is a wiring mistake and
// fails construction.
func (b *Builder) Done(output *Node) (*Topology, error) {
	if b.err != nil {
		return nil, b.err
	}
	if output == nil || output.invalid || output.builder != b {
		return nil, errors.New("Done requires an output node created by this builder")
	}
	if len(b.nodes) == 0 {
		return nil, errors.New("empty topology")
	}

	// Mark the ancestors of the output node.
	reached := make(map[*Node]bool, len(b.nodes))
	var mark func(node *Node)
	mark = func(node *Node) {
		if reached[node] {
			return
		}
		reached[node] = true
		for _, input := range node.inputs {
			mark(input)
		}
	}
	mark(output)

	var inputs []*Node
	for _, node := range b.nodes {
		if !reached[node] {
			return nil, errors.Errorf("node %q does not feed the output node %q", node.name, output.name)
		}
		if node.stage == nil {
			inputs = append(inputs, node)
		}
	}
	if len(inputs) < 1 || len(inputs) > 2 {
		return nil, errors.Errorf("a topology requires one or two input nodes, got %d", len(inputs))
	}

	t := &Topology{
		config: b.config,
		nodes:  slices.Clone(b.nodes), // insertion order is a topological order
		byName: b.byName,
		inputs: inputs,
		output: output,
	}
	// The builder is finished: further use is an error.
	b.err = errors.New("builder already finished by Done")
	b.byName = nil
	b.nodes = nil
	return t, nil
}
