// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches files over HTTP into a local cache, verifying their SHA256 checksum.
package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// progressWriter counts bytes written to w in a progress bar.
type progressWriter struct {
	w   io.Writer
	bar *progressbar.ProgressBar
}

func (pw *progressWriter) Write(p []byte) (n int, err error) {
	n, err = pw.w.Write(p)
	_ = pw.bar.Add(n)
	return
}

// Download url into filePath, creating its directory if needed.
//
// The file is first written with a ".partial" suffix and renamed at the end, so an interrupted download
// never leaves a truncated file behind.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to create the directory for %q", filePath)
	}
	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	partialPath := filePath + ".partial"
	file, err := os.Create(partialPath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", partialPath)
	}
	var dst io.Writer = file
	if showProgressBar && resp.ContentLength > 0 {
		bar := progressbar.DefaultBytes(resp.ContentLength, humanize.IBytes(uint64(resp.ContentLength)))
		dst = &progressWriter{w: file, bar: bar}
		defer func() { _ = bar.Finish() }()
	}
	size, err = io.Copy(dst, resp.Body)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(partialPath)
		return 0, errors.Wrapf(err, "downloading %q to %q", url, partialPath)
	}
	if err = file.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", partialPath)
	}
	if err = os.Rename(partialPath, filePath); err != nil {
		return 0, errors.Wrapf(err, "failed to rename %q to %q", partialPath, filePath)
	}
	klog.V(1).Infof("downloaded %q to %q (%s)", url, filePath, humanize.Bytes(uint64(size)))
	return size, nil
}

// DownloadIfMissing downloads url into filePath if the file is not there yet.
//
// If checkHash is not empty, the file must have the given SHA256 checksum (in hex), or an error is returned.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("Downloading %s ...\n", url)
		if _, err = Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return ValidateChecksum(filePath, checkHash)
}

// ValidateChecksum returns an error if the SHA256 checksum of the file doesn't match checkHash (in hex).
func ValidateChecksum(filePath, checkHash string) error {
	f, err := os.Open(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q to verify its checksum", filePath)
	}
	defer func() { _ = f.Close() }()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, f); err != nil {
		return errors.Wrapf(err, "failed to read %q to verify its checksum", filePath)
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != checkHash {
		return errors.Errorf("file %q has SHA256 checksum %q, but %q was expected: remove it and try again",
			filePath, got, checkHash)
	}
	return nil
}
