// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hdf5

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleContents = `HDF5 "weights.h5" {
FILE_CONTENTS {
 group      /
 group      /batch_normalization_1
 group      /batch_normalization_1/batch_normalization_1
 dataset    /batch_normalization_1/batch_normalization_1/beta:0
 dataset    /batch_normalization_1/batch_normalization_1/moving_mean:0
 group      /conv2d_1
 group      /conv2d_1/conv2d_1
 dataset    /conv2d_1/conv2d_1/kernel:0
 dataset    /step
 dataset    /names
 }
}
`

const sampleHeaders = `HDF5 "weights.h5" {
DATASET "/batch_normalization_1/batch_normalization_1/beta:0" {
   DATATYPE  H5T_IEEE_F32LE
   DATASPACE  SIMPLE { ( 32 ) / ( 32 ) }
}
DATASET "/batch_normalization_1/batch_normalization_1/moving_mean:0" {
   DATATYPE  H5T_IEEE_F32LE
   DATASPACE  SIMPLE { ( 32 ) / ( 32 ) }
}
DATASET "/conv2d_1/conv2d_1/kernel:0" {
   DATATYPE  H5T_IEEE_F32LE
   DATASPACE  SIMPLE { ( 3, 3, 3, 32 ) / ( 3, 3, 3, 32 ) }
}
DATASET "/step" {
   DATATYPE  H5T_STD_I64LE
   DATASPACE  SCALAR
}
DATASET "/names" {
   DATATYPE  H5T_STRING {
      STRSIZE 12;
      STRPAD H5T_STR_NULLPAD;
      CSET H5T_CSET_ASCII;
      CTYPE H5T_C_S1;
   }
   DATASPACE  SIMPLE { ( 2 ) / ( 2 ) }
}
}
`

func TestParseListing(t *testing.T) {
	contents, err := parseContents("weights.h5", sampleContents)
	require.NoError(t, err)
	require.Len(t, contents, 5)
	require.NoError(t, contents.parseHeaders(sampleHeaders))

	kernel := contents["/conv2d_1/conv2d_1/kernel:0"]
	require.NotNil(t, kernel)
	assert.Equal(t, "weights.h5", kernel.FilePath)
	assert.True(t, shapes.Make(dtypes.Float32, 3, 3, 3, 32).Equal(kernel.Shape), "got shape %s", kernel.Shape)

	beta := contents["/batch_normalization_1/batch_normalization_1/beta:0"]
	assert.True(t, shapes.Make(dtypes.Float32, 32).Equal(beta.Shape), "got shape %s", beta.Shape)

	step := contents["/step"]
	assert.True(t, shapes.Make(dtypes.Int64).Equal(step.Shape), "got shape %s", step.Shape)

	// Strings are not supported.
	assert.False(t, contents["/names"].Shape.Ok())

	// Headers must match the listed datasets.
	contents, err = parseContents("weights.h5", sampleContents)
	require.NoError(t, err)
	delete(contents, "/step")
	require.Error(t, contents.parseHeaders(sampleHeaders))

	_, err = parseContents("bad.h5", " dataset    /-rf\n")
	require.Error(t, err)
}

func TestDTypeForH5T(t *testing.T) {
	assert.Equal(t, dtypes.Float32, DTypeForH5T("H5T_IEEE_F32LE"))
	assert.Equal(t, dtypes.Float64, DTypeForH5T("H5T_IEEE_F64BE"))
	assert.Equal(t, dtypes.Int32, DTypeForH5T("H5T_STD_I32LE"))
	assert.Equal(t, dtypes.Int64, DTypeForH5T("H5T_STD_I64BE"))
	assert.Equal(t, dtypes.InvalidDType, DTypeForH5T("H5T_STD_U8LE"))
	assert.Equal(t, dtypes.InvalidDType, DTypeForH5T("H5T_STRING {"))
}

func TestFromBytes(t *testing.T) {
	values := []float32{1, -2.5, 3, 0.25}
	raw := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.NativeEndian.PutUint32(raw[4*ii:], math.Float32bits(v))
	}
	tensor, err := FromBytes(shapes.Make(dtypes.Float32, 2, 2), raw)
	require.NoError(t, err)
	assert.Equal(t, values, tensors.MustCopyFlatData[float32](tensor))

	_, err = FromBytes(shapes.Make(dtypes.Float32, 3), raw)
	require.Error(t, err)
}

func TestUnpackRequiresNewTarget(t *testing.T) {
	targetDir := t.TempDir()
	require.Error(t, Unpack("missing.h5", targetDir, false))
}
