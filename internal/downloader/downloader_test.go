// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadIfMissing(t *testing.T) {
	content := []byte("pretend these are the network weights")
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	var numRequests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		numRequests.Add(1)
		if r.URL.Path != "/weights.h5" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(content)
	}))
	defer server.Close()

	dir := t.TempDir()
	filePath := filepath.Join(dir, "sub", "weights.h5")
	require.NoError(t, DownloadIfMissing(server.URL+"/weights.h5", filePath, hash))
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int32(1), numRequests.Load())

	// Already there: no new request.
	require.NoError(t, DownloadIfMissing(server.URL+"/weights.h5", filePath, hash))
	assert.Equal(t, int32(1), numRequests.Load())

	// Wrong checksum.
	require.Error(t, DownloadIfMissing(server.URL+"/weights.h5", filePath, "0000"))

	// Missing file on the server.
	_, err = Download(server.URL+"/missing", filepath.Join(dir, "missing"), false)
	require.Error(t, err)
	_, err = os.Stat(filepath.Join(dir, "missing"))
	assert.True(t, os.IsNotExist(err))
}
