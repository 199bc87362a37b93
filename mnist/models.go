// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"fmt"
	"sort"

	"github.com/gomlx/convnets/topology"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/layers"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/pkg/errors"
)

// Model names accepted by the "model" hyperparameter.
const (
	StackModelName    = "stack"
	YNetworkModelName = "ynet"
)

// Default training hyperparameters, see CreateDefaultContext.
const (
	DefaultBatchSize = 64
	DefaultEpochs    = 10
)

// CreateDefaultContext creates a context with the default hyperparameter
// settings for the digit classifier models.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.RngStateReset()
	ctx.SetParams(map[string]any{
		// Model type to train: "stack" or "ynet".
		"model": StackModelName,

		// Number of classes: overwritten with the value derived from the
		// training labels by TrainModel, and saved with the checkpoint.
		"num_classes": NumClasses,

		// Passes over the training data, used when "train_steps" is 0.
		"epochs": DefaultEpochs,

		// Explicit number of training steps; 0 derives it from "epochs".
		"train_steps": 0,

		// batch_size for training.
		"batch_size": DefaultBatchSize,

		// eval_batch_size can be larger than training, it's more efficient.
		"eval_batch_size": 200,

		"num_checkpoints": 3,

		// Debug parameters.
		"nan_logger": false, // Trigger nan error as soon as it happens -- expensive, but helps debugging.

		// "plots" collects intermediary eval metrics during training, saved
		// along the checkpoint directory.
		plotly.ParamPlots: false,

		optimizers.ParamOptimizer:    "sgd",
		optimizers.ParamLearningRate: 0.01,
		layers.ParamDropoutRate:      0.0,
	})
	return ctx
}

// NewStack builds the linear-stack digit classifier: three convolutions
// interleaved with two max-poolings, then flattened into a dense softmax
// head.
//
// With the default config the shapes walk 28x28x1 -> 28x28x64 -> 14x14x64 ->
// 14x14x64 -> 7x7x64 -> 7x7x64 -> 3136 -> 10.
func NewStack(cfg topology.Config) (*topology.Model, error) {
	b := topology.NewBuilder(cfg)
	x := b.Input("image", Height, Width, Depth)
	x = b.MaxPool("max_pool_0", b.Conv("conv_layer_0", x))
	x = b.MaxPool("max_pool_1", b.Conv("conv_layer_1", x))
	x = b.Conv("conv_layer_2", x)
	x = b.Dense("readout", b.Flatten("flatten", x))
	topo, err := b.Done(x)
	if err != nil {
		return nil, errors.WithMessage(err, "building the stack model")
	}
	return topology.NewModel(topo), nil
}

// NewYNetwork builds the two-branch digit classifier: each branch runs three
// conv+max-pool stages over the same input image, the right branch with
// dilation 2 to widen its receptive field, and the branches meet in a
// channel-wise concatenation feeding the dense softmax head.
//
// With the default config each branch ends at 3x3x64, concatenated to
// 3x3x128 and flattened to 1152 features.
func NewYNetwork(cfg topology.Config) (*topology.Model, error) {
	b := topology.NewBuilder(cfg)
	left := b.Input("left_image", Height, Width, Depth)
	right := b.Input("right_image", Height, Width, Depth)
	for ii := range 3 {
		left = b.MaxPool(fmt.Sprintf("left_max_pool_%d", ii),
			b.Conv(fmt.Sprintf("left_conv_layer_%d", ii), left))
		right = b.MaxPool(fmt.Sprintf("right_max_pool_%d", ii),
			b.DilatedConv(fmt.Sprintf("right_conv_layer_%d", ii), right, 2))
	}
	merged := b.ConcatChannels("concat", left, right)
	head := b.Dense("readout", b.Flatten("flatten", merged))
	topo, err := b.Done(head)
	if err != nil {
		return nil, errors.WithMessage(err, "building the y-network model")
	}
	return topology.NewModel(topo), nil
}

// Models maps the accepted values of the "model" hyperparameter to the
// topology constructors.
var Models = map[string]func(cfg topology.Config) (*topology.Model, error){
	StackModelName:    NewStack,
	YNetworkModelName: NewYNetwork,
}

// ModelNames lists the accepted values of the "model" hyperparameter.
func ModelNames() []string {
	names := make([]string, 0, len(Models))
	for name := range Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildModel constructs the digit classifier selected by the "model"
// hyperparameter. The batch size and epoch count declared in the returned
// Model also come from the context settings.
func BuildModel(ctx *context.Context, cfg topology.Config) (*topology.Model, error) {
	name := context.GetParamOr(ctx, "model", StackModelName)
	build, found := Models[name]
	if !found {
		return nil, errors.Errorf("unknown model %q, available models are %v", name, ModelNames())
	}
	model, err := build(cfg)
	if err != nil {
		return nil, err
	}
	model.BatchSize = context.GetParamOr(ctx, "batch_size", DefaultBatchSize)
	model.Epochs = context.GetParamOr(ctx, "epochs", DefaultEpochs)
	return model, nil
}
