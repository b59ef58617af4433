//go:build windows

package screen

import (
	"context"
	"errors"
	"os/exec"
)

// Windows ships no region screenshot CLI; use the native backend.
func regionCommand(context.Context, Region, string) (*exec.Cmd, error) {
	return nil, errors.New("command capture backend is not available on windows")
}
