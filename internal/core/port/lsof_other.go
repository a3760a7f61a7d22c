//go:build !linux

package port

import (
	"context"
	"errors"
	"os/exec"
)

type lsofLister struct{}

// NewLister returns the lsof based lister.
func NewLister() PortLister {
	return lsofLister{}
}

func (lsofLister) List(ctx context.Context) ([]Socket, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN", "-F", "pctn").Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && len(out) == 0 {
			return nil, nil
		}
		return nil, err
	}
	return parseLsof(out), nil
}
