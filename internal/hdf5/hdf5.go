// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hdf5 lists and extracts the datasets of an HDF5 file (as saved by Keras) into GoMLX tensors.
//
// It shells out to the `h5dump` binary (usually in the `hdf5-tools` package), and only supports
// the simple float/int datasets used to store network weights.
package hdf5

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// H5DumpBinary is the name of the binary used to read HDF5 files.
const H5DumpBinary = "h5dump"

// Dataset describes one dataset in an HDF5 file: its path within the file, and the
// equivalent GoMLX shape, if it could be parsed.
type Dataset struct {
	FilePath, Path string
	Shape          shapes.Shape
}

// Contents maps the path of each dataset to its description.
type Contents map[string]*Dataset

var (
	reDataset          = regexp.MustCompile(`\s+dataset\s+(/.*)\n`)
	reHeaderName       = regexp.MustCompile(`\s+"(.*?)" \{\n`)
	reHeaderDataType   = regexp.MustCompile(`\s+DATATYPE\s+(\w.*?)\n`)
	reHeaderDataSpace  = regexp.MustCompile(`\s+DATASPACE\s+(\w+)(\s+\{\s+\((.*?)\).*?)?\n`)
	errNoShapeInHeader = errors.New("no shape information for HDF5 dataset")
)

// Parse lists the datasets of the HDF5 file in filePath, with their shapes.
func Parse(filePath string) (Contents, error) {
	if _, err := os.Stat(filePath); err != nil {
		return nil, errors.Wrapf(err, "cannot access HDF5 file %q", filePath)
	}
	listing, err := h5dump("--contents", filePath)
	if err != nil {
		return nil, err
	}
	contents := make(Contents)
	for _, match := range reDataset.FindAllStringSubmatch(string(listing), -1) {
		dsPath := match[1]
		if strings.HasPrefix(dsPath, "-") {
			return nil, errors.Errorf("invalid dataset name %q in %q", dsPath, filePath)
		}
		contents[dsPath] = &Dataset{FilePath: filePath, Path: dsPath}
	}
	if len(contents) == 0 {
		return contents, nil
	}

	args := []string{"--header"}
	for dsPath := range contents {
		args = append(args, "--dataset="+dsPath)
	}
	args = append(args, filePath)
	headers, err := h5dump(args...)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(string(headers), "DATASET")
	if len(parts)-1 != len(contents) {
		return nil, errors.Errorf("failed to parse dataset headers of %q: expected %d DATASET entries, got %d",
			filePath, len(contents), len(parts)-1)
	}
	for _, header := range parts[1:] {
		match := reHeaderName.FindStringSubmatch(header)
		if len(match) != 2 {
			return nil, errors.Errorf("failed to parse dataset header of %q: %q", filePath, header)
		}
		ds, found := contents[match[1]]
		if !found {
			return nil, errors.Errorf("header for unknown dataset %q in %q", match[1], filePath)
		}
		shape, err := parseShape(header)
		if err != nil {
			klog.V(1).Infof("hdf5: dataset %q in %q: %v", ds.Path, filePath, err)
			continue
		}
		ds.Shape = shape
	}
	return contents, nil
}

// parseShape converts the DATATYPE and DATASPACE of a dataset header to a shape.
func parseShape(header string) (shapes.Shape, error) {
	match := reHeaderDataType.FindStringSubmatch(header)
	if len(match) != 2 {
		return shapes.Shape{}, errNoShapeInHeader
	}
	dtype := DTypeFor(match[1])
	if dtype == dtypes.InvalidDType {
		return shapes.Shape{}, errors.Errorf("unsupported DATATYPE %q", match[1])
	}
	match = reHeaderDataSpace.FindStringSubmatch(header)
	if len(match) != 4 {
		return shapes.Shape{}, errNoShapeInHeader
	}
	switch match[1] {
	case "SCALAR":
		return shapes.Make(dtype), nil
	case "SIMPLE":
		var dims []int
		for _, dimStr := range strings.Split(match[3], ",") {
			dim, err := strconv.Atoi(strings.TrimSpace(dimStr))
			if err != nil {
				return shapes.Shape{}, errors.Wrapf(err, "failed to parse DATASPACE dimensions %q", match[3])
			}
			dims = append(dims, dim)
		}
		return shapes.Make(dtype, dims...), nil
	}
	return shapes.Shape{}, errors.Errorf("unsupported DATASPACE %q", match[1])
}

// DTypeFor returns the dtype of the HDF5 type name, or dtypes.InvalidDType if not supported.
func DTypeFor(h5type string) dtypes.DType {
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
		return nil, errors.Wrapf(err, "cannot find %q in PATH, it is needed to read the pretrained weights: "+
			"please install the hdf5-tools package", H5DumpBinary)
	}
	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	if err = cmd.Run(); err != nil {
		return nil, errors.WithMessagef(errors.Wrapf(err, "failed executing %q", cmd), "stderr:\n%s", stderr.String())
	}
	return stdout.Bytes(), nil
}

// ToTensor reads the contents of the dataset into a tensor.
func (ds *Dataset) ToTensor() (*tensors.Tensor, error) {
	if !ds.Shape.Ok() {
		return nil, errors.Wrapf(errNoShapeInHeader, "dataset %q", ds.Path)
	}
	tmpFile, err := os.CreateTemp("", "hdf5_dataset")
	if err == nil {
		err = tmpFile.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create temporary file to extract HDF5 dataset")
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	if _, err = h5dump("--dataset="+ds.Path, "--binary=NATIVE", "--output="+tmpFile.Name(), ds.FilePath); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(tmpFile.Name())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read extracted dataset %q", ds.Path)
	}
	t := tensors.FromShape(ds.Shape)
	var sizeErr error
	err = t.MutableBytes(func(data []byte) {
		if len(raw) != len(data) {
			sizeErr = errors.Errorf("dataset %q with shape %s: extracted %d bytes, but tensor holds %d bytes",
				ds.Path, ds.Shape, len(raw), len(data))
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

// Unpack extracts every dataset with a supported shape in the HDF5 file h5Path into targetDir,
// one tensor file per dataset (see tensors.Load), preserving the dataset paths as sub-directories.
//
// It unpacks to a temporary directory first, renamed to targetDir only if everything succeeded.
// targetDir must not exist yet.
func Unpack(h5Path, targetDir string, showProgressBar bool) error {
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
		return errors.Wrapf(err, "failed to create %q", baseDir)
	}
	tmpDir, err := os.MkdirTemp(baseDir, filepath.Base(targetDir)+".")
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary directory under %q", baseDir)
	}
	defer func() {
		if tmpDir == "" {
			return
		}
		if err := os.RemoveAll(tmpDir); err != nil {
			klog.Errorf("failed to remove temporary directory %q: %v", tmpDir, err)
		}
	}()

	var bar *progressbar.ProgressBar
	if showProgressBar {
		var total uintptr
		for _, ds := range contents {
			if ds.Shape.Ok() {
				total += ds.Shape.Memory()
			}
		}
		bar = progressbar.DefaultBytes(int64(total), "unpacking "+humanize.IBytes(uint64(total)))
		defer func() { _ = bar.Finish() }()
	}

	for dsPath, ds := range contents {
		if !ds.Shape.Ok() {
			klog.V(1).Infof("hdf5: skipping dataset %q of %q without a supported shape", dsPath, h5Path)
			continue
		}
		t, err := ds.ToTensor()
		if err != nil {
			return err
		}
		tensorPath := filepath.Join(tmpDir, dsPath)
		if err = os.MkdirAll(filepath.Dir(tensorPath), 0755); err != nil {
			return errors.Wrapf(err, "failed to create %q", filepath.Dir(tensorPath))
		}
		if err = t.Save(tensorPath); err != nil {
			return errors.WithMessagef(err, "unpacking %q", h5Path)
		}
		if bar != nil {
			_ = bar.Add64(int64(ds.Shape.Memory()))
		}
	}
	if err = os.Rename(tmpDir, targetDir); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", tmpDir, targetDir)
	}
	tmpDir = ""
	return nil
}
