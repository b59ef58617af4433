//go:build linux

package screen

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// regionCommand picks grim on Wayland sessions, falling back to scrot.
func regionCommand(ctx context.Context, r Region, file string) (*exec.Cmd, error) {
	if _, err := exec.LookPath("grim"); err == nil {
		geometry := fmt.Sprintf("%d,%d %dx%d", r.Left, r.Top, r.Width, r.Height)
		return exec.CommandContext(ctx, "grim", "-t", "png", "-g", geometry, file), nil
	}
	if _, err := exec.LookPath("scrot"); err == nil {
		area := fmt.Sprintf("%d,%d,%d,%d", r.Left, r.Top, r.Width, r.Height)
		return exec.CommandContext(ctx, "scrot", "-o", "-a", area, file), nil
	}
	return nil, errors.New("no screenshot tool found (install grim or scrot)")
}
