// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

// Loss names the training objective a Model declares.
type Loss string

// Optimizer names the optimization rule a Model declares.
type Optimizer string

// Metric names the evaluation metric a Model declares.
type Metric string

// Declarations understood by the training code (mnist.TrainModel).
const (
	// LossCategoricalCrossEntropy is categorical cross-entropy taken over
	// the probability outputs of the softmax head, with one-hot labels.
	LossCategoricalCrossEntropy Loss = "categorical_cross_entropy"

	// OptimizerSGD is plain stochastic gradient descent.
	OptimizerSGD Optimizer = "sgd"

	// MetricAccuracy is classification accuracy: the fraction of examples
	// whose highest-probability class is the labeled class.
	MetricAccuracy Metric = "accuracy"
)

// Model is a Topology plus the declarations the training collaborator
// consumes: the loss to minimize, the optimization rule, the evaluation
// metric, and the externally supplied batch size and epoch count.
//
// A Model only declares -- it never trains. The training code translates
// the declarations into a GoMLX trainer, and the trained weights live in the
// GoMLX context (and its checkpoints), not here.
type Model struct {
	Topology  *Topology
	Loss      Loss
	Optimizer Optimizer
	Metric    Metric

	// BatchSize and Epochs are hyperparameters chosen by the caller, not
	// derived from the topology.
	BatchSize int
	Epochs    int
}

// NewModel declares a classifier over the given topology with the standard
// declarations: categorical cross-entropy loss, SGD, accuracy metric.
// BatchSize and Epochs are left zero for the caller to fill in.
func NewModel(t *Topology) *Model {
	return &Model{
		Topology:  t,
		Loss:      LossCategoricalCrossEntropy,
		Optimizer: OptimizerSGD,
		Metric:    MetricAccuracy,
	}
}
