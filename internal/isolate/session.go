package isolate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// passthroughEnvVars are copied from the host environment into the box
// whenever present (§4.5 "Environment pass-through").
var passthroughEnvVars = []string{"PATH", "LD_LIBRARY_PATH", "LANG"}

// OptionSet carries user-supplied resource limits and policy toggles
// (§3). A nil field means "omitted"; a non-nil field is emitted as the
// corresponding isolate flag by Run. Processes is the one key whose
// omission has an effect of its own: isolate defaults to a single
// process, so omitting it here requests the unlimited-processes flag
// instead of adding no flag at all.
type OptionSet struct {
	Time      *float64
	WallTime  *float64
	ExtraTime *float64
	Mem       *int64 // -> --cg-mem
	VirtMem   *int64 // -> --mem
	Stack     *int64
	FSize     *int64
	Processes *int
	Quota     *int64
}

// ResultRecord is the outcome of one IsolatorSession.Run call (§3).
type ResultRecord struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Meta     *MetaRecord
}

// IsolatorSession drives a single compile-or-execute inside an acquired
// (or, in legacy mode, self-allocated) box (§4.5). Lifecycle:
// Constructed -> Entered -> (Ran)* -> Exited.
type IsolatorSession struct {
	boxID       int
	dir         string
	cfg         *Config
	opts        OptionSet
	allowedDirs []string
	explicit    bool

	metaPath string
	metaFile *os.File
	entered  bool
	exited   bool

	logger *logrus.Entry
}

// NewExplicitSession builds a session bound to an already-acquired box
// (§4.5 "Explicit mode"). The session does not call init or terminal
// cleanup — the Acquisition owns those.
func NewExplicitSession(acq *Acquisition, opts OptionSet, allowedDirs []string) *IsolatorSession {
	return &IsolatorSession{
		boxID:       acq.BoxID(),
		dir:         acq.Dir(),
		cfg:         acq.Config(),
		opts:        opts,
		allowedDirs: allowedDirs,
		explicit:    true,
		logger:      logrus.WithFields(logrus.Fields{"component": "isolate", "box_id": acq.BoxID(), "mode": "explicit"}),
	}
}

// NewAutoSession builds a session that allocates its own box on Enter by
// scanning the filesystem for a free slot (§4.5 "Auto-allocation mode",
// kept for backward compatibility).
func NewAutoSession(cfg *Config, opts OptionSet, allowedDirs []string) *IsolatorSession {
	return &IsolatorSession{
		cfg:         cfg,
		opts:        opts,
		allowedDirs: allowedDirs,
		explicit:    false,
		logger:      logrus.WithFields(logrus.Fields{"component": "isolate", "mode": "auto"}),
	}
}

// Enter opens the session's temporary metadata file and, in auto-
// allocation mode, claims a free box first.
func (s *IsolatorSession) Enter(ctx context.Context) error {
	if s.entered {
		return fmt.Errorf("isolate session already entered")
	}

	if !s.explicit {
		if err := s.enterAuto(ctx); err != nil {
			return err
		}
	}

	f, err := os.CreateTemp("", fmt.Sprintf("isolate-meta-%d-*.txt", s.boxID))
	if err != nil {
		return fmt.Errorf("create meta file: %w", err)
	}
	s.metaFile = f
	s.metaPath = f.Name()
	s.entered = true
	return nil
}

// enterAuto enumerates box_root's immediate children (each an in-use box
// id), computes the complement against [0, NumBoxes), and tries each
// candidate's --init in turn, skipping ones lost to a racing allocator
// (§4.5 "Auto-allocation mode").
func (s *IsolatorSession) enterAuto(ctx context.Context) error {
	entries, err := os.ReadDir(s.cfg.BoxRoot)
	if err != nil {
		return fmt.Errorf("scan box_root: %w", err)
	}

	inUse := make(map[int]bool, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, err := strconv.Atoi(e.Name()); err == nil {
			inUse[id] = true
		}
	}

	for candidate := 0; candidate < s.cfg.NumBoxes; candidate++ {
		if inUse[candidate] {
			continue
		}

		argv := []string{BinaryPath, "--box-id", strconv.Itoa(candidate), "--cg", "--init"}
		exitCode, stdout, stderr, err := Communicate(ctx, argv, nil)
		if err != nil {
			return err
		}
		if exitCode == 2 && strings.Contains(string(stderr), "already exists") {
			continue
		}
		if exitCode != 0 {
			return &IsolatorInternalError{BoxID: candidate, Command: argv, Stdout: stdout, Stderr: stderr}
		}

		s.boxID = candidate
		s.dir = strings.TrimSpace(string(stdout))
		return nil
	}

	return fmt.Errorf("no box available")
}

// Run builds the isolate invocation for one compile/execute phase,
// executes it via the process driver, and interprets the result
// (§4.5 "run(cmdline, ...)").
func (s *IsolatorSession) Run(ctx context.Context, cmdline []string, stdin []byte, env []string, mergeOutputs bool) (*ResultRecord, error) {
	if !s.entered {
		return nil, fmt.Errorf("isolate session not entered")
	}

	argv := []string{BinaryPath, "--box-id", strconv.Itoa(s.boxID), "--cg"}

	for _, d := range s.allowedDirs {
		argv = append(argv, "-d", d)
	}

	argv = append(argv, buildOptionArgs(s.opts)...)

	for _, name := range passthroughEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			argv = append(argv, fmt.Sprintf("--env=%s=%s", name, v))
		}
	}
	for _, kv := range env {
		argv = append(argv, "--env="+kv)
	}

	argv = append(argv, "--meta="+s.metaPath, "--stdout=._stdout")
	if mergeOutputs {
		argv = append(argv, "--stderr-to-stdout")
	} else {
		argv = append(argv, "--stderr=._stderr")
	}

	argv = append(argv, "--run", "--")
	argv = append(argv, cmdline...)

	exitCode, stdout, stderr, err := Communicate(ctx, argv, stdin)
	if err != nil {
		return nil, fmt.Errorf("run isolate: %w", err)
	}
	if exitCode >= 2 {
		return nil, &IsolatorInternalError{BoxID: s.boxID, Command: argv, Stdout: stdout, Stderr: stderr}
	}

	outBytes, err := os.ReadFile(filepath.Join(s.dir, "._stdout"))
	if err != nil {
		return nil, &IsolatorInternalError{BoxID: s.boxID, Command: argv, Err: err}
	}

	var errBytes []byte
	if mergeOutputs {
		errBytes = []byte{}
	} else {
		errBytes, err = os.ReadFile(filepath.Join(s.dir, "._stderr"))
		if err != nil {
			return nil, &IsolatorInternalError{BoxID: s.boxID, Command: argv, Err: err}
		}
	}

	metaContent, _ := os.ReadFile(s.metaPath)

	return &ResultRecord{
		Stdout:   outBytes,
		Stderr:   errBytes,
		ExitCode: exitCode,
		Meta:     ParseMeta(metaContent),
	}, nil
}

// Exit parses the session's metadata file one final time (defaults if no
// Run ever happened), closes and removes it, and — only in auto-
// allocation mode — cleans up the box it self-allocated. Explicit-mode
// cleanup is the acquisition scope's job, not the session's (§4.5).
//
// Auto-mode cleanup failure is returned to the caller rather than
// swallowed — the legacy asymmetry §9's Open Question flags: explicit
// mode already gets cleanup from the owning Acquisition, so a second,
// session-level cleanup failure there would be redundant noise, but
// auto mode has no other cleanup path watching the box.
func (s *IsolatorSession) Exit(ctx context.Context) (*MetaRecord, error) {
	if s.exited {
		return nil, fmt.Errorf("isolate session already exited")
	}
	s.exited = true

	content, _ := os.ReadFile(s.metaPath)
	meta := ParseMeta(content)

	if s.metaFile != nil {
		_ = s.metaFile.Close()
		_ = os.Remove(s.metaPath)
	}

	if !s.explicit {
		argv := []string{BinaryPath, "--box-id", strconv.Itoa(s.boxID), "--cg", "--cleanup"}
		if exitCode, stdout, stderr, err := Communicate(ctx, argv, nil); err != nil {
			return meta, fmt.Errorf("auto-allocated box cleanup: %w", err)
		} else if exitCode != 0 {
			return meta, &IsolatorInternalError{BoxID: s.boxID, Command: argv, Stdout: stdout, Stderr: stderr}
		}
	}

	return meta, nil
}

// buildOptionArgs translates a recognized OptionSet into isolate flags
// (§4.5 "Options"): mem maps to --cg-mem, virt-mem maps to --mem,
// everything else is identity-mapped, and an omitted Processes value
// requests unlimited processes rather than adding no flag.
func buildOptionArgs(opts OptionSet) []string {
	var args []string

	if opts.Time != nil {
		args = append(args, "--time="+formatFloat(*opts.Time))
	}
	if opts.WallTime != nil {
		args = append(args, "--wall-time="+formatFloat(*opts.WallTime))
	}
	if opts.ExtraTime != nil {
		args = append(args, "--extra-time="+formatFloat(*opts.ExtraTime))
	}
	if opts.Mem != nil {
		args = append(args, fmt.Sprintf("--cg-mem=%d", *opts.Mem))
	}
	if opts.VirtMem != nil {
		args = append(args, fmt.Sprintf("--mem=%d", *opts.VirtMem))
	}
	if opts.Stack != nil {
		args = append(args, fmt.Sprintf("--stack=%d", *opts.Stack))
	}
	if opts.FSize != nil {
		args = append(args, fmt.Sprintf("--fsize=%d", *opts.FSize))
	}
	if opts.Quota != nil {
		args = append(args, fmt.Sprintf("--quota=%d", *opts.Quota))
	}

	if opts.Processes != nil {
		args = append(args, fmt.Sprintf("--processes=%d", *opts.Processes))
	} else {
		args = append(args, "--processes")
	}

	return args
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
