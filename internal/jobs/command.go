package jobs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/tsdb2/common/pkg/logx"
)

// maxCapturedOutput bounds how much command output ends up in logs and
// error strings.
const maxCapturedOutput = 4096

// Command returns a RunFunc that executes a shell command line. The
// command inherits the run context, so timeouts and service shutdown kill
// it.
func Command(command string, log logx.Logger) RunFunc {
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
		out, err := cmd.CombinedOutput()
		out = truncateOutput(out)
		if err != nil {
			if len(out) > 0 {
				return fmt.Errorf("%w: %s", err, bytes.TrimSpace(out))
			}
			return err
		}
		if len(out) > 0 {
			log.Debug("command output", logx.String("output", string(bytes.TrimSpace(out))))
		}
		return nil
	}
}

func truncateOutput(out []byte) []byte {
	if len(out) <= maxCapturedOutput {
		return out
	}
	return append(out[:maxCapturedOutput:maxCapturedOutput], []byte("... (truncated)")...)
}
