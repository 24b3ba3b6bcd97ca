// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hdf5 reads the datasets of HDF5 files (".h5", the format of Keras weights) into tensors.
//
// It requires the `h5dump` binary, usually in the `hdf5-tools` package.
package hdf5

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// H5DumpBinary is the tool used to read the HDF5 files.
const H5DumpBinary = "h5dump"

// Dataset is the metadata of one dataset (a tensor) of an HDF5 file.
type Dataset struct {
	// FilePath of the HDF5 file.
	FilePath string

	// Path of the dataset within the file: its groups and name separated by "/".
	Path string

	// Shape is only valid (Shape.Ok()) if the data type and the data space are supported.
	Shape shapes.Shape
}

// Contents of an HDF5 file, keyed by the dataset path.
type Contents map[string]*Dataset

var (
	regexpDatasets        = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	regexpHeaderName      = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	regexpHeaderDataType  = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	regexpHeaderDataSpace = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
)

// Parse lists the datasets of the HDF5 file and their shapes.
func Parse(filePath string) (Contents, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file %q", filePath)
	}
	listing, err := h5dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	contents, err := parseContents(filePath, string(listing))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, len(contents)+2)
	args = append(args, "--header")
	for key := range contents {
		args = append(args, "--dataset="+key)
	}
	args = append(args, filePath)
	headers, err := h5dump(args...)
	if err != nil {
		return nil, err
	}
	if err = contents.parseHeaders(string(headers)); err != nil {
		return nil, errors.WithMessagef(err, "HDF5 file %q", filePath)
	}
	return contents, nil
}

// parseContents parses the output of `h5dump --contents`.
func parseContents(filePath, listing string) (Contents, error) {
	matches := regexpDatasets.FindAllStringSubmatch(listing, -1)
	contents := make(Contents, len(matches))
	for _, match := range matches {
		datasetPath := match[1]
		if strings.HasPrefix(datasetPath, "-") {
			return nil, errors.Errorf("invalid dataset name starting with '-': %q", datasetPath)
		}
		contents[datasetPath] = &Dataset{FilePath: filePath, Path: datasetPath}
	}
	return contents, nil
}

// parseHeaders parses the output of `h5dump --header` for all the datasets in contents, and sets their
// shapes. Datasets with unsupported types or data spaces are left without a valid shape.
func (contents Contents) parseHeaders(headers string) error {
	parts := strings.Split(headers, "DATASET")
	if len(parts)-1 != len(contents) {
		return errors.Errorf("expected headers for %d datasets, got %d", len(contents), len(parts)-1)
	}
	for _, part := range parts[1:] {
		matches := regexpHeaderName.FindStringSubmatch(part)
		if len(matches) != 2 {
			return errors.Errorf("failed to parse dataset header %q", part)
		}
		ds, found := contents[matches[1]]
		if !found {
			return errors.Errorf("header of unknown dataset %q", matches[1])
		}
		matches = regexpHeaderDataType.FindStringSubmatch(part)
		if len(matches) != 2 {
			continue
		}
		dtype := DTypeForH5T(matches[1])
		if dtype == dtypes.InvalidDType {
			continue
		}
		matches = regexpHeaderDataSpace.FindStringSubmatch(part)
		if len(matches) != 4 {
			klog.V(1).Infof("DATASPACE of %q not parsed", ds.Path)
			continue
		}
		switch matches[1] {
		case "SCALAR":
			ds.Shape = shapes.Make(dtype)
		case "SIMPLE":
			dims, err := parseDims(matches[3])
			if err != nil {
				klog.V(1).Infof("DATASPACE of %q not parsed: %v", ds.Path, err)
				continue
			}
			ds.Shape = shapes.Make(dtype, dims...)
		default:
			klog.V(1).Infof("DATASPACE %s of %q not supported", matches[1], ds.Path)
		}
	}
	return nil
}

func parseDims(dimsStr string) ([]int, error) {
	parts := strings.Split(dimsStr, ",")
	dims := make([]int, 0, len(parts))
	for _, part := range parts {
		dim, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid dimension %q", part)
		}
		dims = append(dims, dim)
	}
	return dims, nil
}

// DTypeForH5T returns the dtype of the HDF5 type, or dtypes.InvalidDType if not supported.
func DTypeForH5T(h5type string) dtypes.DType {
	switch h5type {
	case "H5T_IEEE_F32LE", "H5T_IEEE_F32BE":
		return dtypes.Float32
	case "H5T_IEEE_F64LE", "H5T_IEEE_F64BE":
		return dtypes.Float64
	case "H5T_STD_I32LE", "H5T_STD_I32BE":
		return dtypes.Int32
	case "H5T_STD_I64LE", "H5T_STD_I64BE":
		return dtypes.Int64
	}
	return dtypes.InvalidDType
}

func h5dump(args ...string) ([]byte, error) {
	binPath, err := exec.LookPath(H5DumpBinary)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot find %q in PATH, needed to read HDF5 files: install the "+
			"hdf5-tools package", H5DumpBinary)
	}
	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err = cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "failed executing %q, stderr:\n%s", cmd, stderr.String())
	}
	return stdout.Bytes(), nil
}

// ToTensor reads the contents of the dataset.
func (ds *Dataset) ToTensor() (*tensors.Tensor, error) {
	if !ds.Shape.Ok() {
		return nil, errors.Errorf("dataset %q has no supported shape", ds.Path)
	}
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create temporary file to extract dataset %q", ds.Path)
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	if _, err = h5dump("--dataset="+ds.Path, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read extracted dataset %q", ds.Path)
	}
	return FromBytes(ds.Shape, raw)
}

// FromBytes creates a tensor of the given shape with the raw (native endianness) contents.
func FromBytes(shape shapes.Shape, raw []byte) (*tensors.Tensor, error) {
	t := tensors.FromShape(shape)
	var sizeErr error
	err := t.MutableBytes(func(data []byte) {
		if len(data) != len(raw) {
			sizeErr = errors.Errorf("shape %s takes %d bytes, got %d bytes", shape, len(data), len(raw))
			return
		}
		copy(data, raw)
	})
	if err != nil {
		return nil, err
	}
	if sizeErr != nil {
		return nil, sizeErr
	}
	return t, nil
}

// Unpack saves every dataset of the HDF5 file in h5Path as a tensor file (see tensors.Load) under targetDir,
// at the path of the dataset. Datasets without a supported shape are skipped.
//
// The tensors are written to a temporary directory, renamed to targetDir at the end, so targetDir
// only exists if the unpacking succeeded. It fails if targetDir already exists.
func Unpack(h5Path, targetDir string, showProgressBar bool) (err error) {
	exists, err := fsutil.FileExists(targetDir)
	if err != nil {
		return err
	}
	if exists {
		return errors.Errorf("target directory %q already exists", targetDir)
	}
	contents, err := Parse(h5Path)
	if err != nil {
		return err
	}
	baseDir := filepath.Dir(targetDir)
	if err = os.MkdirAll(baseDir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", baseDir)
	}
	tmpDir, err := os.MkdirTemp(baseDir, filepath.Base(targetDir)+".")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary directory under %q", baseDir)
	}
	defer func() {
		if err != nil {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				klog.Errorf("Failed to remove temporary directory %q: %v", tmpDir, rmErr)
			}
		}
	}()

	var bar *progressbar.ProgressBar
	if showProgressBar {
		var totalSize int64
		for _, ds := range contents {
			if ds.Shape.Ok() {
				totalSize += int64(ds.Shape.Memory())
			}
		}
		bar = progressbar.DefaultBytes(totalSize, "unpacking "+filepath.Base(h5Path))
		defer func() { _ = bar.Close() }()
	}
	for key, ds := range contents {
		if !ds.Shape.Ok() {
			klog.V(1).Infof("Skipping dataset %q of %q: not a supported tensor", key, h5Path)
			continue
		}
		t, err := ds.ToTensor()
		if err != nil {
			return err
		}
		tensorPath := filepath.Join(tmpDir, key)
		if err = os.MkdirAll(filepath.Dir(tensorPath), 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory for dataset %q", key)
		}
		if err = t.Save(tensorPath); err != nil {
			return errors.WithMessagef(err, "saving dataset %q", key)
		}
		if bar != nil {
			_ = bar.Add64(int64(ds.Shape.Memory()))
		}
	}
	if err = os.Rename(tmpDir, targetDir); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpDir, targetDir)
	}
	return nil
}
