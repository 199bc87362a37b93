// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package topology

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Config holds the construction parameters shared by every stage of a
// topology. It is passed explicitly to NewBuilder and copied into the
// Builder -- there is no ambient configuration state, and a Config is never
// modified after construction starts.
//
// The zero value of any field means "use the default": 64 filters, 3x3
// kernels, 2x2 pooling windows, 10 classes and Float32. See WithDefaults.
type Config struct {
	// Filters is the number of output channels of every convolution stage.
	Filters int

	// KernelSize is the side of the square convolution kernel.
	KernelSize int

	// PoolWindow is the side of the square max-pooling window. Pooling is
	// non-overlapping and unpadded, so each pooling stage divides the
	// spatial dimensions by PoolWindow, rounding down.
	PoolWindow int

	// NumClasses is the width of the dense classification head, usually the
	// number of distinct labels in the training data.
	NumClasses int

	// DType of the images and of every intermediary value.
	DType dtypes.DType
}

// Default construction parameters, matching the classic MNIST setups.
const (
	DefaultFilters    = 64
	DefaultKernelSize = 3
	DefaultPoolWindow = 2
	DefaultNumClasses = 10
)

// WithDefaults returns a copy of c with zero-valued fields replaced by the
// package defaults. It does not modify c.
func (c Config) WithDefaults() Config {
	if c.Filters == 0 {
		c.Filters = DefaultFilters
	}
	if c.KernelSize == 0 {
		c.KernelSize = DefaultKernelSize
	}
	if c.PoolWindow == 0 {
		c.PoolWindow = DefaultPoolWindow
	}
	if c.NumClasses == 0 {
		c.NumClasses = DefaultNumClasses
	}
	if c.DType == dtypes.InvalidDType {
		c.DType = dtypes.Float32
	}
	return c
}

// Validate returns an error if the configuration cannot produce a valid
// topology. Call WithDefaults first if zero values are meant as defaults.
func (c Config) Validate() error {
	if c.Filters < 1 {
		return errors.Errorf("Config.Filters must be at least 1, got %d", c.Filters)
	}
	if c.KernelSize < 1 {
		return errors.Errorf("Config.KernelSize must be at least 1, got %d", c.KernelSize)
	}
	if c.PoolWindow < 1 {
		return errors.Errorf("Config.PoolWindow must be at least 1, got %d", c.PoolWindow)
	}
	if c.NumClasses < 1 {
		return errors.Errorf("Config.NumClasses must be at least 1, got %d", c.NumClasses)
	}
	if !c.DType.IsFloat() {
		return errors.Errorf("Config.DType must be a float type, got %s", c.DType)
	}
	return nil
}
