//go:build darwin

package screen

import (
	"context"
	"fmt"
	"os/exec"
)

// regionCommand builds a screencapture invocation for r.
// -x: no sound, -R: rectangle in points
func regionCommand(ctx context.Context, r Region, file string) (*exec.Cmd, error) {
	rect := fmt.Sprintf("%d,%d,%d,%d", r.Left, r.Top, r.Width, r.Height)
	return exec.CommandContext(ctx, "screencapture", "-x", "-t", "png", "-R", rect, file), nil
}
