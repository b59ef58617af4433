// Package archive writes captures to disk and indexes what was written.
package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	apperrors "github.com/GriffinCanCode/deltashot/internal/errors"
)

const (
	filePrefix = "screenshot_"
	fileExt    = ".png"

	// maxNameBumps bounds the search for a free name when files already exist.
	maxNameBumps = 1000
)

// Filename returns the archive name for a capture taken at t:
// screenshot_<YYYYMMDD>-<HHMMSS>-<mmm>.png. Zero padding keeps
// lexicographic order equal to chronological order.
func Filename(t time.Time) string {
	return fmt.Sprintf("%s%s-%03d%s", filePrefix, t.Format("20060102-150405"), t.Nanosecond()/int(time.Millisecond), fileExt)
}

// Sink persists captures as PNG files with strictly increasing timestamped names.
type Sink struct {
	now func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewSink creates a sink stamping files with the local wall clock.
func NewSink() *Sink {
	return &Sink{now: time.Now}
}

// Save encodes img into dir and returns the written path. The file appears
// atomically: it is written under a temporary name and renamed into place.
func (s *Sink) Save(ctx context.Context, img image.Image, dir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", apperrors.Wrap(err, apperrors.PersistFailed, "save cancelled")
	}
	if img == nil {
		return "", apperrors.New(apperrors.PersistFailed, "no image to save")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", persistErr(err, "destination unavailable", dir)
	}
	if !info.IsDir() {
		return "", apperrors.Newf(apperrors.PersistFailed, "destination %s is not a directory", dir)
	}

	tmp, err := os.CreateTemp(dir, ".screenshot-*.tmp")
	if err != nil {
		return "", persistErr(err, "create temp file", dir)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := png.Encode(w, img); err != nil {
		tmp.Close()
		return "", persistErr(err, "encode png", dir)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return "", persistErr(err, "write png", dir)
	}
	if err := tmp.Close(); err != nil {
		return "", persistErr(err, "close temp file", dir)
	}

	path, err := s.claimPath(dir)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", persistErr(err, "rename into place", dir)
	}
	committed = true
	return path, nil
}

// claimPath picks the next unused name in dir.
func (s *Sink) claimPath(dir string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < maxNameBumps; i++ {
		stamp := s.nextStampLocked()
		path := filepath.Join(dir, Filename(stamp))
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		}
	}
	return "", apperrors.Newf(apperrors.PersistFailed, "no free file name in %s", dir)
}

// nextStampLocked returns a millisecond stamp strictly after the previous one.
func (s *Sink) nextStampLocked() time.Time {
	t := s.now().Round(0).Truncate(time.Millisecond)
	if !s.last.IsZero() && !t.After(s.last) {
		t = s.last.Add(time.Millisecond)
	}
	s.last = t
	return t
}

func persistErr(err error, msg, dir string) *apperrors.AppError {
	appErr := apperrors.Wrap(err, apperrors.PersistFailed, msg).WithMetadata("dir", dir)
	if isTransient(err) {
		appErr.Retryable()
	}
	return appErr
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EBUSY)
}
