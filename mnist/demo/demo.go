// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// demo for the convnet digit classifiers:
//
//  1. With `demo -download`: it will simply download the dataset.
//  2. With `demo -train` (the default): downloads the dataset if needed and
//     trains the topology selected with -set=model=stack or -set=model=ynet.
//  3. With `demo -classify=<image file>`: loads the model saved in
//     -checkpoint and prints the digit it sees in the image.
package main

import (
	"flag"
	"fmt"
	"image"
	"os"
	"path"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/convnets/mnist"
	"github.com/gomlx/convnets/mnist/classifier"
	"github.com/gomlx/convnets/topology"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "image/jpeg"
	_ "image/png"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/work/digits", "Directory to cache the downloaded dataset, and base directory for checkpoints.")
	flagDownload   = flag.Bool("download", false, "Download the dataset and exit (unless -train is also set).")
	flagTrain      = flag.Bool("train", true, "Train the selected model.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
	flagClassify   = flag.String("classify", "", "Image file with a digit to classify, using the model in -checkpoint. Skips training.")
)

func main() {
	ctx := mnist.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))

	err := exceptions.TryCatch[error](func() {
		if *flagClassify != "" {
			classifyImage(*flagClassify)
			return
		}
		if *flagDownload {
			must.M(mnist.Download(*flagDataDir))
			klog.Infof("Dataset downloaded to %s", *flagDataDir)
		}
		if *flagTrain {
			printModelSummary(ctx)
			mnist.TrainModel(ctx, *flagDataDir, *flagCheckpoint, paramsSet)
		}
		if !*flagDownload && !*flagTrain {
			klog.Info("exit: usage -download and/or -train (the default), or -classify=<image file>; optional -data and -checkpoint")
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// printModelSummary renders the selected topology as a table, one row per
// node, before training starts.
func printModelSummary(ctx *context.Context) {
	numClasses := context.GetParamOr(ctx, "num_classes", mnist.NumClasses)
	model := must.M1(mnist.BuildModel(ctx, topology.Config{NumClasses: numClasses, DType: mnist.DType}))
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Node", "Stage", "Output")
	for _, node := range model.Topology.Nodes() {
		table.Row(node.Name(), node.Description(), node.Shape().String())
	}
	fmt.Printf("Model %q: batch size %d, %d epochs\n",
		context.GetParamOr(ctx, "model", mnist.StackModelName), model.BatchSize, model.Epochs)
	fmt.Println(table.Render())
}

// classifyImage loads the checkpointed model and prints the digit it assigns
// to the image stored in imgPath.
func classifyImage(imgPath string) {
	if *flagCheckpoint == "" {
		exceptions.Panicf("-classify requires -checkpoint pointing to a trained model")
	}
	// Resolve relative checkpoint directories under -data, the same way
	// training resolves them.
	checkpointDir := data.ReplaceTildeInDir(*flagCheckpoint)
	if !path.IsAbs(checkpointDir) {
		checkpointDir = path.Join(data.ReplaceTildeInDir(*flagDataDir), checkpointDir)
	}
	c := must.M1(classifier.New(checkpointDir))
	digit := must.M1(c.Classify(loadImage(data.ReplaceTildeInDir(imgPath))))
	fmt.Printf("%s: %d\n", imgPath, digit)
}

func loadImage(imgPath string) image.Image {
	f := must.M1(os.Open(imgPath))
	defer func() { must.M(f.Close()) }()
	img, _, err := image.Decode(f)
	must.M(err)
	return img
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
}
