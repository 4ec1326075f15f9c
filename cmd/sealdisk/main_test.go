//go:build linux
// +build linux

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sealdisk"
	"sealdisk/config"
	"sealdisk/utils/errs"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		DevicePath: filepath.Join(t.TempDir(), "disk.img"),
		Blocks:     256,
	}
}

func TestOpenDiskFormatFailureRemovesFile(t *testing.T) {
	cfg := testConfig(t)
	dev, err := openDevice(cfg)
	require.NoError(t, err)
	require.True(t, dev.fresh)
	require.FileExists(t, cfg.DevicePath)

	_, err = openDisk(sealdisk.Options{Logger: zap.NewNop()}, dev)
	assert.ErrorIs(t, err, errs.ErrInvalidArgs)
	assert.NoFileExists(t, cfg.DevicePath)
}

func TestOpenDiskOpenFailureKeepsFile(t *testing.T) {
	cfg := testConfig(t)
	dev, err := openDevice(cfg)
	require.NoError(t, err)
	d, err := openDisk(sealdisk.DefaultOptions(bytes.Repeat([]byte{1}, 32)), dev)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	dev, err = openDevice(cfg)
	require.NoError(t, err)
	require.False(t, dev.fresh)
	_, err = openDisk(sealdisk.DefaultOptions(bytes.Repeat([]byte{2}, 32)), dev)
	assert.Error(t, err)
	assert.FileExists(t, cfg.DevicePath)

	dev, err = openDevice(cfg)
	require.NoError(t, err)
	d, err = openDisk(sealdisk.DefaultOptions(bytes.Repeat([]byte{1}, 32)), dev)
	require.NoError(t, err)
	assert.NoError(t, d.Close())
}
