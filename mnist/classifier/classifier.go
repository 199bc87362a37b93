// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier serves a trained digit-classifier checkpoint for
// inference. It rebuilds the topology recorded in the checkpoint and offers a
// Classify method that will classify any image, converting it to grayscale
// and resizing it to the model's input size first.
//
// To use it, create a Classifier with New(), and then simply call its
// Classify method with an image.
package classifier

import (
	"image"

	"github.com/gomlx/convnets/mnist"
	"github.com/gomlx/convnets/topology"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/tensors/images"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Classifier holds the digit model compiled for inference.
type Classifier struct {
	// backend is created with defaults, which uses GOMLX_BACKEND if it is set.
	backend backends.Backend

	// ctx with the model's weights.
	ctx *context.Context

	// exec is used to execute the model with a context.
	exec *context.Exec
}

// New creates a Classifier from the checkpoint saved in checkpointDir.
func New(checkpointDir string) (*Classifier, error) {
	c := &Classifier{
		backend: backends.MustNew(),
		ctx:     context.New(),
	}

	// All hyperparameters are read back from the checkpoint, so the exact
	// same topology is rebuilt -- including the number of classes derived
	// from the labels it was trained on.
	_, err := checkpoints.Load(c.ctx).
		Dir(checkpointDir).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed while loading digits model from %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse() // Mark it to reuse variables: it will be an error to create a new variable -- for extra sanity checking.

	numClasses := context.GetParamOr(c.ctx, "num_classes", mnist.NumClasses)
	model, err := mnist.BuildModel(c.ctx, topology.Config{NumClasses: numClasses, DType: mnist.DType})
	if err != nil {
		return nil, err
	}
	modelFn := model.Topology.ModelFn()

	// Create model executor. The modelFn scopes the weights under "model",
	// matching how they were trained.
	c.exec = context.NewExec(c.backend, c.ctx, func(ctx *context.Context, image *graph.Node) (choice *graph.Node) {
		// The input comes in as [height, width, 3]: make it a 1-image batch,
		// collapse the channels to grayscale and resize to the topology's
		// input size if needed.
		image = graph.ExpandAxes(image, 0)
		image = graph.ExpandAxes(graph.ReduceMean(image, -1), -1)
		dims := image.Shape().Dimensions
		if dims[1] != mnist.Height || dims[2] != mnist.Width {
			image = graph.Interpolate(image, -1, mnist.Height, mnist.Width, -1).Bilinear().Done()
		}
		// We take the first result from the modelFn -- it returns a slice.
		probabilities := modelFn(ctx, nil, []*graph.Node{image})[0]
		// Take the class with the highest probability.
		choice = graph.ArgMax(probabilities, -1, dtypes.Int32)
		// Remove batch dimension.
		choice = graph.Reshape(choice) // No dimensions given, means a scalar.
		return
	})
	return c, nil
}

// Classify returns the digit the model believes the image shows, from 0 to
// the number of classes the checkpoint was trained with minus 1.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	input := images.ToTensor(mnist.DType).Single(img)
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = c.exec.Call(input) })
	if err != nil {
		return 0, err
	}
	classID := tensors.ToScalar[int32](outputs[0]) // Convert tensor to Go value.
	return classID, nil
}
