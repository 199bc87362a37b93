// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology_test

import (
	"fmt"
	"testing"

	"github.com/gomlx/convnets/topology"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := topology.Config{}.WithDefaults()
	assert.Equal(t, 64, cfg.Filters)
	assert.Equal(t, 3, cfg.KernelSize)
	assert.Equal(t, 2, cfg.PoolWindow)
	assert.Equal(t, 10, cfg.NumClasses)
	assert.Equal(t, dtypes.Float32, cfg.DType)
	require.NoError(t, cfg.Validate())

	// Partially set configs keep what was set.
	cfg = topology.Config{Filters: 32, NumClasses: 2}.WithDefaults()
	assert.Equal(t, 32, cfg.Filters)
	assert.Equal(t, 2, cfg.NumClasses)
	assert.Equal(t, 3, cfg.KernelSize)

	for _, bad := range []topology.Config{
		{Filters: -1, KernelSize: 3, PoolWindow: 2, NumClasses: 10, DType: dtypes.Float32},
		{Filters: 64, KernelSize: -3, PoolWindow: 2, NumClasses: 10, DType: dtypes.Float32},
		{Filters: 64, KernelSize: 3, PoolWindow: -2, NumClasses: 10, DType: dtypes.Float32},
		{Filters: 64, KernelSize: 3, PoolWindow: 2, NumClasses: -10, DType: dtypes.Float32},
		{Filters: 64, KernelSize: 3, PoolWindow: 2, NumClasses: 10, DType: dtypes.Int32},
	} {
		assert.Errorf(t, bad.Validate(), "config %+v should not validate", bad)
	}
}

// TestLinearStackShapes wires the linear conv/pool stack by hand and checks
// the per-node shapes of the classic 28x28 walk:
// 28x28x1 -> 28x28x64 -> 14x14x64 -> 14x14x64 -> 7x7x64 -> 7x7x64 -> 3136 -> 10.
func TestLinearStackShapes(t *testing.T) {
	b := topology.NewBuilder(topology.Config{})
	img := b.Input("image", 28, 28, 1)

	wantDims := map[string][]int{
		"image":   {28, 28, 1},
		"conv_0":  {28, 28, 64},
		"pool_0":  {14, 14, 64},
		"conv_1":  {14, 14, 64},
		"pool_1":  {7, 7, 64},
		"conv_2":  {7, 7, 64},
		"flatten": {3136},
		"head":    {10},
	}

	x := b.MaxPool("pool_0", b.Conv("conv_0", img))
	x = b.MaxPool("pool_1", b.Conv("conv_1", x))
	x = b.Conv("conv_2", x)
	x = b.Dense("head", b.Flatten("flatten", x))
	topo, err := b.Done(x)
	require.NoError(t, err)

	require.Equal(t, 1, topo.NumInputs())
	require.Equal(t, "head", topo.Output().Name())
	require.Len(t, topo.Nodes(), len(wantDims))
	for _, node := range topo.Nodes() {
		want, found := wantDims[node.Name()]
		require.Truef(t, found, "unexpected node %q", node.Name())
		assert.Equalf(t, want, node.Shape().Dimensions, "node %q", node.Name())
		assert.Equal(t, dtypes.Float32, node.Shape().DType)
	}
}

// buildBranch wires a 3x (conv -> pool) branch, optionally dilated.
func buildBranch(b *topology.Builder, prefix string, x *topology.Node, dilation int) *topology.Node {
	for ii := range 3 {
		name := fmt.Sprintf("%s_conv_%d", prefix, ii)
		if dilation > 1 {
			x = b.DilatedConv(name, x, dilation)
		} else {
			x = b.Conv(name, x)
		}
		x = b.MaxPool(fmt.Sprintf("%s_pool_%d", prefix, ii), x)
	}
	return x
}

// TestBranchDownsampling checks that for input sizes divisible by 8, three
// conv+pool stages yield exactly (h/8)x(w/8)x64, flattened to h/8*w/8*64.
func TestBranchDownsampling(t *testing.T) {
	for _, size := range [][2]int{{8, 8}, {16, 16}, {24, 32}, {64, 64}, {8, 48}} {
		h, w := size[0], size[1]
		t.Run(fmt.Sprintf("%dx%d", h, w), func(t *testing.T) {
			b := topology.NewBuilder(topology.Config{})
			x := buildBranch(b, "branch", b.Input("image", h, w, 1), 1)
			flat := b.Flatten("flatten", x)
			topo, err := b.Done(flat)
			require.NoError(t, err)
			assert.Equal(t, []int{h / 8, w / 8, 64}, topo.Node("branch_pool_2").Shape().Dimensions)
			assert.Equal(t, []int{h / 8 * w / 8 * 64}, flat.Shape().Dimensions)
		})
	}
}

// TestYNetworkShapes checks the two-branch wiring: each branch ends in
// 3x3x64, the concatenation doubles the channels to 3x3x128, and the head
// takes the flattened 1152 features to 10 classes.
func TestYNetworkShapes(t *testing.T) {
	b := topology.NewBuilder(topology.Config{})
	left := buildBranch(b, "left", b.Input("left_image", 28, 28, 1), 1)
	right := buildBranch(b, "right", b.Input("right_image", 28, 28, 1), 2)
	merged := b.ConcatChannels("merge", left, right)
	flat := b.Flatten("flatten", merged)
	head := b.Dense("head", flat)
	topo, err := b.Done(head)
	require.NoError(t, err)

	require.Equal(t, 2, topo.NumInputs())
	assert.Equal(t, []int{3, 3, 64}, left.Shape().Dimensions)
	assert.Equal(t, []int{3, 3, 64}, right.Shape().Dimensions)
	assert.Equal(t, 2*64, merged.Shape().Dimensions[2], "concatenation must double the channel width")
	assert.Equal(t, []int{3, 3, 128}, merged.Shape().Dimensions)
	assert.Equal(t, []int{1152}, flat.Shape().Dimensions)
	assert.Equal(t, []int{10}, head.Shape().Dimensions)
}

// TestDilationPreservesShape: dilated and non-dilated convolutions have the
// same output shape under "same" padding.
func TestDilationPreservesShape(t *testing.T) {
	b := topology.NewBuilder(topology.Config{})
	img := b.Input("image", 28, 28, 1)
	plain := b.Conv("plain", img)
	dilated := b.DilatedConv("dilated", img, 2)
	require.NoError(t, b.Err())
	assert.Equal(t, plain.Shape().Dimensions, dilated.Shape().Dimensions)
}

func TestConstructionErrors(t *testing.T) {
	tests := []struct {
		name    string
		wantErr string
		wire    func(b *topology.Builder) *topology.Node
	}{
		{
			name:    "pool window larger than input",
			wantErr: "larger than",
			wire: func(b *topology.Builder) *topology.Node {
				return b.MaxPool("pool", b.Input("tiny", 1, 1, 1))
			},
		},
		{
			name:    "concat with mismatched spatial dimensions",
			wantErr: "non-channel axis",
			wire: func(b *topology.Builder) *topology.Node {
				left := b.Input("left", 3, 3, 64)
				right := b.Input("right", 4, 4, 64)
				return b.ConcatChannels("merge", left, right)
			},
		},
		{
			name:    "dense before flattening",
			wantErr: "rank-1",
			wire: func(b *topology.Builder) *topology.Node {
				return b.Dense("head", b.Input("image", 28, 28, 1))
			},
		},
		{
			name:    "conv on flat features",
			wantErr: "rank-3",
			wire: func(b *topology.Builder) *topology.Node {
				return b.Conv("conv", b.Flatten("flatten", b.Input("image", 28, 28, 1)))
			},
		},
		{
			name:    "zero dilation",
			wantErr: "dilation must be at least 1",
			wire: func(b *topology.Builder) *topology.Node {
				return b.DilatedConv("conv", b.Input("image", 28, 28, 1), 0)
			},
		},
		{
			name:    "duplicate node name",
			wantErr: "duplicate node name",
			wire: func(b *topology.Builder) *topology.Node {
				img := b.Input("image", 28, 28, 1)
				return b.Conv("conv", b.Conv("conv", img))
			},
		},
		{
			name:    "empty node name",
			wantErr: "non-empty name",
			wire: func(b *topology.Builder) *topology.Node {
				return b.Conv("", b.Input("image", 28, 28, 1))
			},
		},
		{
			name:    "non-positive input dimension",
			wantErr: "must be positive",
			wire: func(b *topology.Builder) *topology.Node {
				return b.Input("image", 28, 0, 1)
			},
		},
		{
			name:    "input of wrong rank",
			wantErr: "rank-3",
			wire: func(b *topology.Builder) *topology.Node {
				return b.Input("image", 28, 28)
			},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b := topology.NewBuilder(topology.Config{})
			out := test.wire(b)
			require.Error(t, b.Err())
			assert.Contains(t, b.Err().Error(), test.wantErr)

			// No partial topology: Done reports the same first error.
			topo, err := b.Done(out)
			require.Error(t, err)
			assert.Nil(t, topo)
			assert.Contains(t, err.Error(), test.wantErr)
		})
	}
}

// TestAsymmetricPaddingRejected: an even kernel with odd total dilation
// would need asymmetric "same" padding and must be rejected; combinations
// with even total padding are fine.
func TestAsymmetricPaddingRejected(t *testing.T) {
	b := topology.NewBuilder(topology.Config{KernelSize: 2})
	b.Conv("conv", b.Input("image", 28, 28, 1))
	require.Error(t, b.Err())
	assert.Contains(t, b.Err().Error(), "asymmetric padding")

	// Same kernel, dilation 2: total padding (2-1)*2 is even, accepted.
	b = topology.NewBuilder(topology.Config{KernelSize: 2})
	b.DilatedConv("conv", b.Input("image", 28, 28, 1), 2)
	require.NoError(t, b.Err())

	// Odd kernels are always fine: (k-1)*d is even for any dilation.
	b = topology.NewBuilder(topology.Config{})
	b.DilatedConv("conv", b.Input("image", 28, 28, 1), 3)
	require.NoError(t, b.Err())
}

// TestFirstErrorSticks: after the first violation every wiring call is a
// no-op returning inert nodes, and Done returns the original error.
func TestFirstErrorSticks(t *testing.T) {
	b := topology.NewBuilder(topology.Config{})
	img := b.Input("image", 1, 1, 1)
	bad := b.MaxPool("pool", img) // Window 2 over 1x1: first error.
	require.Error(t, b.Err())
	first := b.Err()

	// Later calls, even valid-looking ones, change nothing.
	x := b.Conv("conv", img)
	x = b.Dense("head", b.Flatten("flatten", x))
	assert.Same(t, first, b.Err())
	assert.Equal(t, "(invalid node)", fmt.Sprint(bad))
	assert.Equal(t, "(invalid node)", fmt.Sprint(x))

	topo, err := b.Done(x)
	assert.Nil(t, topo)
	assert.Same(t, first, err)
}

func TestDoneValidation(t *testing.T) {
	t.Run("dangling node", func(t *testing.T) {
		b := topology.NewBuilder(topology.Config{})
		img := b.Input("image", 28, 28, 1)
		b.Conv("unused", img)
		head := b.Dense("head", b.Flatten("flatten", b.Conv("conv", img)))
		topo, err := b.Done(head)
		require.Error(t, err)
		assert.Nil(t, topo)
		assert.Contains(t, err.Error(), `"unused" does not feed the output`)
	})

	t.Run("too many inputs", func(t *testing.T) {
		b := topology.NewBuilder(topology.Config{})
		a := b.Input("a", 4, 4, 8)
		c := b.Input("b", 4, 4, 8)
		d := b.Input("c", 4, 4, 8)
		merged := b.ConcatChannels("merge_1", b.ConcatChannels("merge_0", a, c), d)
		topo, err := b.Done(merged)
		require.Error(t, err)
		assert.Nil(t, topo)
		assert.Contains(t, err.Error(), "one or two input nodes")
	})

	t.Run("foreign output node", func(t *testing.T) {
		other := topology.NewBuilder(topology.Config{})
		foreign := other.Input("image", 28, 28, 1)
		b := topology.NewBuilder(topology.Config{})
		b.Input("image", 28, 28, 1)
		topo, err := b.Done(foreign)
		require.Error(t, err)
		assert.Nil(t, topo)
	})

	t.Run("node from another builder", func(t *testing.T) {
		other := topology.NewBuilder(topology.Config{})
		foreign := other.Input("image", 28, 28, 1)
		b := topology.NewBuilder(topology.Config{})
		b.Conv("conv", foreign)
		require.Error(t, b.Err())
		assert.Contains(t, b.Err().Error(), "different builder")
	})

	t.Run("builder finished by Done", func(t *testing.T) {
		b := topology.NewBuilder(topology.Config{})
		head := b.Dense("head", b.Flatten("flatten", b.Input("image", 28, 28, 1)))
		_, err := b.Done(head)
		require.NoError(t, err)
		_, err = b.Done(head)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already finished")
	})
}

func TestTopologyString(t *testing.T) {
	b := topology.NewBuilder(topology.Config{})
	head := b.Dense("head", b.Flatten("flatten", b.MaxPool("pool", b.Conv("conv", b.Input("image", 28, 28, 1)))))
	topo, err := b.Done(head)
	require.NoError(t, err)

	s := topo.String()
	for _, want := range []string{"image", "conv", "pool", "flatten", "head", "64 filters", "softmax"} {
		assert.Contains(t, s, want)
	}
}

func TestNewModelDefaults(t *testing.T) {
	b := topology.NewBuilder(topology.Config{})
	head := b.Dense("head", b.Flatten("flatten", b.Input("image", 28, 28, 1)))
	topo, err := b.Done(head)
	require.NoError(t, err)

	model := topology.NewModel(topo)
	assert.Equal(t, topology.LossCategoricalCrossEntropy, model.Loss)
	assert.Equal(t, topology.OptimizerSGD, model.Optimizer)
	assert.Equal(t, topology.MetricAccuracy, model.Metric)
	assert.Same(t, topo, model.Topology)
	assert.Zero(t, model.BatchSize)
	assert.Zero(t, model.Epochs)
}
