package screen

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
)

// commandBackend shells out to the platform screenshot tool and decodes its PNG output.
type commandBackend struct{ tempDir string }

func newCommandBackend() (*commandBackend, error) {
	tmpDir, err := os.MkdirTemp("", "deltashot-screen-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir for captures: %w", err)
	}
	return &commandBackend{tempDir: tmpDir}, nil
}

func (c *commandBackend) captureRaw(ctx context.Context, r Region) (image.Image, error) {
	tmpFile := filepath.Join(c.tempDir, "region.png")
	defer os.Remove(tmpFile)

	cmd, err := regionCommand(ctx, r, tmpFile)
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		slog.Debug("screenshot command failed", "cmd", cmd.Path, "stderr", stderr.String())
		return nil, fmt.Errorf("%s: %w", filepath.Base(cmd.Path), err)
	}

	f, err := os.Open(tmpFile)
	if err != nil {
		return nil, fmt.Errorf("read screenshot: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return img, nil
}

func (c *commandBackend) cleanup() {
	if c.tempDir != "" {
		os.RemoveAll(c.tempDir)
	}
}
