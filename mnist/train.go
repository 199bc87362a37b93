// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/convnets/topology"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/graph/nanlogger"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ml/train"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/gomlx/gomlx/ml/train/metrics"
	"github.com/gomlx/gomlx/ml/train/optimizers"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
)

// DType used for the model weights and the dataset tensors.
var DType = dtypes.Float32

var excludeParams = []string{"data_dir", "train_steps", "epochs", "num_checkpoints", "plots"}

// lossesByName translates a Model's loss declaration to its GoMLX implementation.
var lossesByName = map[topology.Loss]train.LossFn{
	topology.LossCategoricalCrossEntropy: losses.CategoricalCrossEntropy,
}

// categoricalAccuracyGraph computes the fraction of examples whose
// highest-probability class is the labeled class. Labels must be one-hot,
// shaped like the predictions.
func categoricalAccuracyGraph(ctx *context.Context, labels, predictions []*graph.Node) *graph.Node {
	predictions0, labels0 := predictions[0], labels[0]
	if !labels0.Shape().Equal(predictions0.Shape()) {
		exceptions.Panicf("accuracy requires one-hot labels shaped like the predictions, got labels %s and predictions %s",
			labels0.Shape(), predictions0.Shape())
	}
	modelChoices := graph.ArgMax(predictions0, -1, dtypes.Int32)
	labeled := graph.ArgMax(labels0, -1, dtypes.Int32)
	return graph.ReduceAllMean(graph.ConvertDType(graph.Equal(modelChoices, labeled), dtypes.Float32))
}

func accuracyPPrint(value *tensors.Tensor) string {
	return fmt.Sprintf("%.2f%%", tensors.ToScalar[float32](value)*100.0)
}

// newAccuracyMetrics returns the moving average metric reported during
// training and the plain mean metric used for evaluation.
func newAccuracyMetrics() (moving, mean metrics.Interface) {
	moving = metrics.NewExponentialMovingAverageMetric(
		"Moving Average Accuracy", "~acc", metrics.AccuracyMetricType,
		categoricalAccuracyGraph, accuracyPPrint, 0.01)
	mean = metrics.NewMeanMetric(
		"Mean Accuracy", "#acc", metrics.AccuracyMetricType,
		categoricalAccuracyGraph, accuracyPPrint)
	return
}

// CreateDatasets used for training and evaluation.
func CreateDatasets(backend backends.Backend, dataDir string, batchSize, evalBatchSize int) (trainDS, trainEvalDS, testEvalDS train.Dataset) {
	baseTrain := must.M1(NewDataset(backend, "Training", dataDir, Train, DType))
	baseTest := must.M1(NewDataset(backend, "Validation", dataDir, Test, DType))
	trainDS = baseTrain.Copy().BatchSize(batchSize, true).Shuffle().Infinite(true)
	trainEvalDS = baseTrain.BatchSize(evalBatchSize, false)
	testEvalDS = baseTest.BatchSize(evalBatchSize, false)
	return
}

// TrainModel with hyperparameters given in ctx. It downloads the dataset to
// dataDir if needed; if checkpointPath is not empty the model (weights and
// hyperparameters) is periodically saved there, and a previous checkpoint is
// loaded before training resumes. paramsSet lists hyperparameters overridden
// by the user, which should not be reloaded from the checkpoint.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, paramsSet []string) {
	// Data directory: dataset files and default base for checkpoints.
	dataDir = data.ReplaceTildeInDir(dataDir)
	if !data.FileExists(dataDir) {
		must.M(os.MkdirAll(dataDir, 0777))
	}

	// Backend handles creation of ML computation graphs, accelerator resources, etc.
	backend := backends.MustNew()
	fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())

	// The number of classes comes from the labels actually observed, and both
	// partitions must one-hot encode to the same width.
	trainData := must.M1(LoadCached(dataDir, Train, DType))
	testData := must.M1(LoadCached(dataDir, Test, DType))
	numClasses := trainData.NumClasses()
	if testClasses := testData.NumClasses(); testClasses != numClasses {
		exceptions.Panicf("%s partition labels span %d classes, %s partition %d: the partitions must agree",
			Train, numClasses, Test, testClasses)
	}
	ctx.SetParam("num_classes", numClasses)
	fmt.Printf("Training data: %d examples, images %s (%s)\n",
		trainData.NumExamples(), trainData.Images.Shape(),
		humanize.Bytes(uint64(trainData.Images.Shape().Memory())))

	// Create datasets used for training and evaluation.
	batchSize := context.GetParamOr(ctx, "batch_size", int(0))
	if batchSize <= 0 {
		exceptions.Panicf("Batch size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", int(0))
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, testEvalDS := CreateDatasets(backend, dataDir, batchSize, evalBatchSize)

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, excludeParams...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}

	// Build the model declared by the (possibly checkpoint-loaded) context.
	modelName := context.GetParamOr(ctx, "model", StackModelName)
	model := must.M1(BuildModel(ctx, topology.Config{NumClasses: numClasses, DType: DType}))
	fmt.Printf("Model: %s\n", modelName)

	lossFn, found := lossesByName[model.Loss]
	if !found {
		exceptions.Panicf("model %q declares loss %q, which the trainer does not implement", modelName, model.Loss)
	}
	if model.Metric != topology.MetricAccuracy {
		exceptions.Panicf("model %q declares metric %q, which the trainer does not implement", modelName, model.Metric)
	}
	movingAccuracyMetric, meanAccuracyMetric := newAccuracyMetrics()

	// Create a train.Trainer: this object will orchestrate running the model, feeding
	// results to the optimizer, evaluating the metrics, etc. (all happens in trainer.TrainStep)
	// The ModelFn scopes all weights under "model".
	trainer := train.NewTrainer(backend, ctx, model.Topology.ModelFn(),
		lossFn,
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
		[]metrics.Interface{meanAccuracyMetric})   // evalMetrics

	// Debugging.
	if context.GetParamOr(ctx, "nan_logger", false) {
		nanlogger.New().AttachToTrainer(trainer)
	}

	// Use standard training loop.
	loop := train.NewLoop(trainer)
	commandline.AttachProgressBar(loop) // Attaches a progress bar to the loop.

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		period := time.Minute * 3
		train.PeriodicCallback(loop, period, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps.
	// The points generated are saved along the checkpoint directory (if one is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, testEvalDS).
			ScheduleExponential(loop, 200, 1.2)
	}

	// Loop for the given number of steps: taken from "train_steps" if set,
	// otherwise derived from the epoch count. One epoch is one pass over the
	// training batches, with the incomplete tail batch dropped.
	numTrainSteps := context.GetParamOr(ctx, "train_steps", 0)
	if numTrainSteps <= 0 {
		numTrainSteps = model.Epochs * (trainData.NumExamples() / batchSize)
	}
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep > 0 {
		trainer.SetContext(ctx.Reuse())
	}
	if globalStep < numTrainSteps {
		_ = must.M1(loop.RunSteps(trainDS, numTrainSteps-globalStep))
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	} else {
		fmt.Printf("\t - target train_steps=%d already reached. To train further, set a number additional "+
			"to current global step.\n", numTrainSteps)
	}

	// Finally, print an evaluation on train and test datasets.
	fmt.Println()
	must.M(commandline.ReportEval(trainer, trainEvalDS, testEvalDS))
	fmt.Println()
}
