package isolate

import (
	"bytes"
	"context"
	"io"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// BinaryPath is the path to the external isolate binary.
var BinaryPath = "/usr/local/bin/isolate"

var driverLogger = logrus.WithField("component", "isolate")

// Communicate spawns isolate as a child process, writes stdin (which may
// be empty), reads stdout/stderr to completion, and waits for exit (§4.1).
// It never returns an error for a non-zero exit code — failure is conveyed
// through exitCode alone; err is reserved for failures to even start the
// process or to read its pipes, and for a run that ended because ctx was
// cancelled or timed out (exec.CommandContext kills the process then).
//
// Each call runs on its own goroutine-blocking Wait(); unlike a
// single-threaded event loop, Go's scheduler multiplexes these onto a
// small number of OS threads, so many boxes still run concurrently
// without holding up unrelated work.
//
// Exported for callers (e.g. the job package) that need to drive a
// one-shot isolate invocation with their own argv but want the same
// process-handling behavior used internally by Acquire and
// IsolatorSession.
func Communicate(ctx context.Context, argv []string, stdin []byte) (exitCode int, stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var stdinPipe io.WriteCloser
	if stdinPipe, err = cmd.StdinPipe(); err != nil {
		return 0, nil, nil, err
	}

	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if err = cmd.Start(); err != nil {
		return 0, nil, nil, err
	}

	go func() {
		defer stdinPipe.Close()
		if len(stdin) > 0 {
			_, _ = stdinPipe.Write(stdin)
		}
	}()

	runErr := cmd.Wait()
	stdout = outBuf.Bytes()
	stderr = errBuf.Bytes()

	// ctx ended while isolate was running: the exit status describes the
	// kill, not the isolator's own outcome, so report it as an error.
	if ctx.Err() != nil && runErr != nil {
		return -1, stdout, stderr, runErr
	}

	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
		return exitCode, stdout, stderr, nil
	}

	// cmd never produced a ProcessState (failed to start after all, or was
	// killed before reporting): surface the wait error instead of a bogus
	// exit code.
	return -1, stdout, stderr, runErr
}
