// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package download fetches files over HTTP, optionally showing a progress bar and validating
// their SHA256 checksum.
package download

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// File downloads url to filePath, creating its directory if needed. The contents are first written
// to a temporary file in the same directory, which is renamed to filePath once complete.
//
// If showProgressBar is true and the server reports the content length, a progress bar is displayed.
func File(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(filePath)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return 0, errors.Wrapf(err, "failed to create directory %q", dir)
	}

	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(filePath)+".*.tmp")
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create temporary file in %q", dir)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	var w io.Writer = tmp
	if showProgressBar && resp.ContentLength > 0 {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(filePath))
		defer func() { _ = bar.Close() }()
		w = io.MultiWriter(tmp, bar)
	}
	size, err = io.Copy(w, resp.Body)
	if err != nil {
		return 0, errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	if err = tmp.Close(); err != nil {
		return 0, errors.Wrapf(err, "failed closing %q", tmp.Name())
	}
	if err = os.Rename(tmp.Name(), filePath); err != nil {
		return 0, errors.Wrapf(err, "failed to move download to %q", filePath)
	}
	return size, nil
}

// IfMissing downloads url to filePath if the file doesn't exist yet. If checksum is not empty, the file
// (downloaded or not) must have the given hex encoded SHA256 checksum.
func IfMissing(url, filePath, checksum string, showProgressBar bool) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	exists, err := fsutil.FileExists(filePath)
	if err != nil {
		return err
	}
	if !exists {
		klog.Infof("Downloading %s to %s", url, filePath)
		if _, err = File(url, filePath, showProgressBar); err != nil {
			return err
		}
	}
	if checksum == "" {
		return nil
	}
	return ValidateChecksum(filePath, checksum)
}

// ValidateChecksum returns an error if the SHA256 checksum of the file doesn't match the hex encoded checksum.
func ValidateChecksum(filePath, checksum string) error {
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
	if got != checksum {
		return errors.Errorf("file %q has SHA256 checksum %s, expected %s: remove it and download it again",
			filePath, got, checksum)
	}
	return nil
}
