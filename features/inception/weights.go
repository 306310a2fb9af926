// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inception

import (
	"fmt"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/styletransfer/internal/downloader"
	"github.com/gomlx/styletransfer/internal/hdf5"
)

const (
	// WeightsURL is the URL of the Keras InceptionV3 weights pretrained on ImageNet.
	WeightsURL = "https://storage.googleapis.com/tensorflow/keras-applications/inception_v3/inception_v3_weights_tf_dim_ordering_tf_kernels.h5"

	// WeightsH5Checksum is the SHA256 checksum of the file in WeightsURL.
	WeightsH5Checksum = "00c9ea4e4762f716ac4d300d6d9c2935639cc5e4d139b5790d765dcbeea539d0"

	// WeightsH5Name is the name of the downloaded weights file, in the data directory.
	WeightsH5Name = "inception_v3_weights.h5"

	// UnpackedWeightsName is the sub-directory of the data directory with the unpacked weights, one tensor per file.
	UnpackedWeightsName = "inception_v3_weights"
)

// DownloadWeights downloads and unpacks the pretrained weights into dataDir.
//
// It does nothing if the weights are already unpacked there. Unpacking requires the `h5dump` tool.
func DownloadWeights(dataDir string) error {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	unpackedPath := filepath.Join(dataDir, UnpackedWeightsName)
	exists, err := fsutil.FileExists(unpackedPath)
	if err != nil || exists {
		return err
	}
	h5Path := filepath.Join(dataDir, WeightsH5Name)
	if err = downloader.DownloadIfMissing(WeightsURL, h5Path, WeightsH5Checksum); err != nil {
		return err
	}
	fmt.Printf("Unpacking weights to %s\n", unpackedPath)
	return hdf5.Unpack(h5Path, unpackedPath, true)
}

// PathToTensor returns the path of the unpacked tensor with the given name (its path within the `.h5` file).
func PathToTensor(dataDir, tensorName string) string {
	return filepath.Join(fsutil.MustReplaceTildeInDir(dataDir), UnpackedWeightsName, tensorName)
}
