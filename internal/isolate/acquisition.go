package isolate

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultAcquireTimeout is the default mutex-acquisition bound (§5:
// "default 5 seconds").
const DefaultAcquireTimeout = 5 * time.Second

// Acquisition is a scoped handle owning the per-box mutex lease for one
// BoxID (§3 "BoxAcquisition"). Obtain one with Acquire and always call
// Release, typically via defer, on every exit path.
type Acquisition struct {
	boxID    int
	cfg      *Config
	lock     boxMutex
	acquired bool
	released bool
	logger   *logrus.Entry
}

// Acquire implements the box acquisition scope (§4.4): it locks the box's
// mutex (bounded by timeout), cleans any residual state, initializes the
// box with one retry, and returns a handle the caller uses for the
// duration of one request. Every error return releases any lock actually
// acquired (§7: "Errors never cause a lock to leak"): a BoxBusyError means
// no lock was taken, a config load error releases it, and a
// BoxUnavailableError runs terminal cleanup and then releases it.
func Acquire(ctx context.Context, boxID int, timeout time.Duration) (*Acquisition, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	logger := logrus.WithFields(logrus.Fields{"component": "isolate", "box_id": boxID})
	lock := getLock(boxID)

	a := &Acquisition{boxID: boxID, lock: lock, logger: logger}

	if !lock.tryLock(ctx, timeout) {
		return nil, &BoxBusyError{BoxID: boxID}
	}
	a.acquired = true

	cfg, err := LoadConfig(DefaultConfigPath)
	if err != nil {
		a.releaseLock()
		return nil, fmt.Errorf("acquire box %d: %w", boxID, err)
	}
	a.cfg = cfg

	// Pre-cleanup (§4.4 step 3): best effort, the box may not yet exist.
	a.cleanup(ctx)

	if err := a.initBox(ctx); err != nil {
		logger.WithError(err).Warn("isolate init failed, retrying once")
		a.cleanup(ctx)
		if err := a.initBox(ctx); err != nil {
			// Terminal cleanup still runs and the lock is still released —
			// both happen in Release, which the caller is expected to call
			// even on this error path. To honor "cleanup-in-finally still
			// runs" without requiring callers to defer on an error return,
			// run it here before returning.
			a.cleanup(ctx)
			a.releaseLock()
			return nil, &BoxUnavailableError{BoxID: boxID, Err: err}
		}
	}

	return a, nil
}

// probeAcquireTimeout bounds how long AcquireNext waits on any single
// candidate's mutex before moving on to the next one. Kept short (rather
// than the caller's full timeout) so a handful of busy boxes don't cost
// timeout×NumBoxes before a free one is ever tried; the overall call is
// still bounded by timeout via the context deadline below.
const probeAcquireTimeout = 50 * time.Millisecond

// AcquireNext acquires the first box id in [0, NumBoxes) not currently
// held by another Acquisition, for callers that don't pin a specific
// box id (§4.5 "Auto-allocation mode"). It is built on top of the same
// mutex registry Acquire uses rather than a directory scan: the
// registry already knows which ids are in use, which avoids both the
// extra filesystem round-trip and the racy "already exists" fallback a
// scan-based allocator needs. Each candidate gets at most
// probeAcquireTimeout to lock before moving on, and the whole scan is
// bounded by timeout overall.
func AcquireNext(ctx context.Context, timeout time.Duration) (*Acquisition, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}

	cfg, err := LoadConfig(DefaultConfigPath)
	if err != nil {
		return nil, fmt.Errorf("acquire next box: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probe := probeAcquireTimeout
	if probe > timeout {
		probe = timeout
	}

	for boxID := 0; boxID < cfg.NumBoxes; boxID++ {
		acq, err := Acquire(ctx, boxID, probe)
		if err == nil {
			return acq, nil
		}
		var busy *BoxBusyError
		if errors.As(err, &busy) {
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("no box available out of %d configured", cfg.NumBoxes)
}

// BoxID returns the acquired box identifier.
func (a *Acquisition) BoxID() int {
	return a.boxID
}

// Dir is the path contract for an explicitly-acquired box (§3): computed
// deterministically from configuration, without consulting isolate.
func (a *Acquisition) Dir() string {
	return BoxDir(a.cfg, a.boxID)
}

// Config returns the isolate configuration this acquisition resolved,
// for callers (e.g. an IsolatorSession) that need box_root/num_boxes.
func (a *Acquisition) Config() *Config {
	return a.cfg
}

// Release runs terminal cleanup (§4.4 step 6) and releases the mutex if
// this Acquisition holds it (§4.4 step 7). Safe to call more than once;
// only the first call has effect. Any cleanup failure is logged and
// swallowed — cleanup must not mask the primary outcome (§7
// CleanupFailure, explicit mode).
func (a *Acquisition) Release(ctx context.Context) {
	if a.released {
		return
	}
	a.released = true

	a.cleanup(ctx)
	a.releaseLock()
}

func (a *Acquisition) releaseLock() {
	if a.acquired {
		a.lock.unlock()
		a.acquired = false
	}
}

func (a *Acquisition) initBox(ctx context.Context) error {
	argv := []string{BinaryPath, "--box-id", strconv.Itoa(a.boxID), "--cg", "--init"}
	exitCode, stdout, stderr, err := Communicate(ctx, argv, nil)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return &IsolatorInternalError{BoxID: a.boxID, Command: argv, Stdout: stdout, Stderr: stderr}
	}
	return nil
}

func (a *Acquisition) cleanup(ctx context.Context) {
	argv := []string{BinaryPath, "--box-id", strconv.Itoa(a.boxID), "--cg", "--cleanup"}
	if _, _, stderr, err := Communicate(ctx, argv, nil); err != nil {
		a.logger.WithError(err).Warn("isolate cleanup failed to run")
	} else if len(stderr) > 0 {
		a.logger.WithField("stderr", string(stderr)).Debug("isolate cleanup reported output")
	}
}

// BoxDir computes the working directory for an explicitly-acquired box:
// <box_root>/<box_id>/box (§3 "Path contract").
func BoxDir(cfg *Config, boxID int) string {
	return filepath.Join(cfg.BoxRoot, strconv.Itoa(boxID), "box")
}
