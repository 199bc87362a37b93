// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist trains and runs the convnets digit classifiers on the MNIST
// database of handwritten digits.
//
// It downloads and parses the four IDX files of the original distribution,
// exposes them as InMemoryDataset objects, defines the two classifier
// topologies (the linear conv/pool stack and the two-branch "Y" network,
// see NewStack and NewYNetwork) and the TrainModel harness that trains
// either one. The subdirectory classifier holds an inference wrapper over a
// trained checkpoint, and demo a command-line front end.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	imagesMagic = 0x00000803
	labelsMagic = 0x00000801
)

const (
	// Width and Height of the MNIST images. Depth is 1, the images are
	// grayscale.
	Width  = 28
	Height = 28
	Depth  = 1

	// NumClasses is the number of different digits.
	NumClasses = 10
)

// Partition refers to the train or test split of the dataset.
type Partition int

const (
	Train Partition = iota
	Test
)

// String implements fmt.Stringer.
func (p Partition) String() string {
	if p == Train {
		return "train"
	}
	return "test"
}

var partitionFiles = [2][2]string{
	Train: {trainImagesFilename, trainLabelsFilename},
	Test:  {testImagesFilename, testLabelsFilename},
}

// Download fetches the four MNIST files to baseDir, skipping the ones
// already there.
func Download(baseDir string) error {
	baseDir = data.ReplaceTildeInDir(baseDir)
	if !data.FileExists(baseDir) {
		if err := os.MkdirAll(baseDir, 0777); err != nil {
			return errors.Wrapf(err, "creating data directory %q", baseDir)
		}
	}
	for _, files := range partitionFiles {
		for _, file := range files {
			fileURL, err := url.JoinPath(downloadURL, file)
			if err != nil {
				return errors.Wrapf(err, "composing download url for %q", file)
			}
			if err := data.DownloadIfMissing(fileURL, path.Join(baseDir, file), ""); err != nil {
				return errors.Wrapf(err, "downloading %q", file)
			}
		}
	}
	return nil
}

// ImagesAndLabels holds one partition of examples as tensors: images shaped
// [numExamples, Height, Width, Depth] with values scaled to [0.0, 1.0], and
// one-hot labels shaped [numExamples, numClasses] of the same dtype.
type ImagesAndLabels struct {
	Images, Labels *tensors.Tensor
}

// NumExamples in the partition.
func (il ImagesAndLabels) NumExamples() int {
	return il.Images.Shape().Dimensions[0]
}

// NumClasses is the width of the one-hot labels. It is derived from the
// labels seen in the partition files, so it can be smaller than the usual 10
// for subsets of MNIST.
func (il ImagesAndLabels) NumClasses() int {
	return il.Labels.Shape().Dimensions[1]
}

// Load parses the given partition from the files under baseDir. Use
// Download first. dtype must be a float type and is used for both the
// images and the one-hot labels.
func Load(baseDir string, partition Partition, dtype dtypes.DType) (ImagesAndLabels, error) {
	baseDir = data.ReplaceTildeInDir(baseDir)
	files := partitionFiles[partition]
	images, err := loadImages(path.Join(baseDir, files[0]), dtype)
	if err != nil {
		return ImagesAndLabels{}, err
	}
	labels, err := loadLabels(path.Join(baseDir, files[1]), dtype)
	if err != nil {
		return ImagesAndLabels{}, err
	}
	numImages := images.Shape().Dimensions[0]
	numLabels := labels.Shape().Dimensions[0]
	if numImages != numLabels {
		return ImagesAndLabels{}, errors.Errorf(
			"%s partition has %d images but %d labels", partition, numImages, numLabels)
	}
	return ImagesAndLabels{Images: images, Labels: labels}, nil
}

type imagesHeader struct {
	Magic  int32
	Count  int32
	Height int32
	Width  int32
}

type labelsHeader struct {
	Magic int32
	Count int32
}

// loadImages parses a gzipped IDX images file into a tensor shaped
// [count, Height, Width, Depth], pixels scaled to [0.0, 1.0].
func loadImages(filePath string, dtype dtypes.DType) (*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening images file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing images file %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header imagesHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filePath)
	}
	if header.Magic != imagesMagic {
		return nil, errors.Errorf("%q: magic number %#08x, wanted %#08x -- not an IDX images file",
			filePath, header.Magic, imagesMagic)
	}
	if header.Height != Height || header.Width != Width {
		return nil, errors.Errorf("%q: images are %dx%d, wanted %dx%d",
			filePath, header.Height, header.Width, Height, Width)
	}
	count := int(header.Count)
	if count <= 0 {
		return nil, errors.Errorf("%q: file claims %d images", filePath, count)
	}
	raw := make([]byte, count*Height*Width)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "%q: file truncated, wanted %d images", filePath, count)
	}

	images := tensors.FromShape(shapes.Make(dtype, count, Height, Width, Depth))
	switch dtype {
	case dtypes.Float32:
		fillImages[float32](images, raw)
	case dtypes.Float64:
		fillImages[float64](images, raw)
	default:
		return nil, errors.Errorf("images dtype %s not supported, use Float32 or Float64", dtype)
	}
	return images, nil
}

func fillImages[T dtypes.GoFloat](images *tensors.Tensor, raw []byte) {
	tensors.MutableFlatData[T](images, func(flat []T) {
		for ii, pixel := range raw {
			flat[ii] = T(pixel) / 255.0
		}
	})
}

// loadLabels parses a gzipped IDX labels file into a one-hot tensor shaped
// [count, numClasses], where numClasses is the highest digit seen plus one.
func loadLabels(filePath string, dtype dtypes.DType) (*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening labels file %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing labels file %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header labelsHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "reading header of %q", filePath)
	}
	if header.Magic != labelsMagic {
		return nil, errors.Errorf("%q: magic number %#08x, wanted %#08x -- not an IDX labels file",
			filePath, header.Magic, labelsMagic)
	}
	count := int(header.Count)
	if count <= 0 {
		return nil, errors.Errorf("%q: file claims %d labels", filePath, count)
	}
	raw := make([]byte, count)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "%q: file truncated, wanted %d labels", filePath, count)
	}

	numClasses := 0
	for ii, digit := range raw {
		if digit >= NumClasses {
			return nil, errors.Errorf("%q: label #%d is %d, not a digit", filePath, ii, digit)
		}
		if int(digit)+1 > numClasses {
			numClasses = int(digit) + 1
		}
	}

	labels := tensors.FromShape(shapes.Make(dtype, count, numClasses))
	switch dtype {
	case dtypes.Float32:
		fillOneHotLabels[float32](labels, raw, numClasses)
	case dtypes.Float64:
		fillOneHotLabels[float64](labels, raw, numClasses)
	default:
		return nil, errors.Errorf("labels dtype %s not supported, use Float32 or Float64", dtype)
	}
	return labels, nil
}

func fillOneHotLabels[T dtypes.GoFloat](labels *tensors.Tensor, raw []byte, numClasses int) {
	tensors.MutableFlatData[T](labels, func(flat []T) {
		for ii, digit := range raw {
			flat[ii*numClasses+int(digit)] = 1
		}
	})
}

type cacheKey struct {
	partition Partition
	dtype     dtypes.DType
}

// Cache of parsed partitions, so several datasets over the same partition
// parse the files only once.
var loadedCache = make(map[cacheKey]ImagesAndLabels)

// LoadCached is like Load but caches parsed partitions for the process
// lifetime. It downloads the files first, if they are missing.
func LoadCached(baseDir string, partition Partition, dtype dtypes.DType) (ImagesAndLabels, error) {
	key := cacheKey{partition: partition, dtype: dtype}
	examples, found := loadedCache[key]
	if found {
		return examples, nil
	}
	if err := Download(baseDir); err != nil {
		return ImagesAndLabels{}, err
	}
	examples, err := Load(baseDir, partition, dtype)
	if err != nil {
		return ImagesAndLabels{}, err
	}
	loadedCache[key] = examples
	return examples, nil
}

// NewDataset creates an InMemoryDataset with one partition of MNIST,
// downloading and parsing the files if needed. The returned dataset yields
// one images tensor as input and one one-hot labels tensor as label, and
// can be further batched, shuffled or made infinite with its own methods.
func NewDataset(backend backends.Backend, name, baseDir string, partition Partition, dtype dtypes.DType) (*data.InMemoryDataset, error) {
	examples, err := LoadCached(baseDir, partition, dtype)
	if err != nil {
		return nil, err
	}
	ds, err := data.InMemoryFromData(backend, name, []any{examples.Images}, []any{examples.Labels})
	if err != nil {
		return nil, errors.WithMessagef(err, "building in-memory dataset %q", name)
	}
	return ds, nil
}
