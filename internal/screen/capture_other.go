//go:build !darwin && !linux && !windows

package screen

import (
	"context"
	"errors"
	"os/exec"
)

func regionCommand(context.Context, Region, string) (*exec.Cmd, error) {
	return nil, errors.New("command capture backend is not available on this platform")
}
