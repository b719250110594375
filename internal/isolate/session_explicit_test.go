package isolate

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunnerScript simulates isolate well enough to drive an
// IsolatorSession end to end: --init/--cleanup succeed trivially, and
// --run writes fixed stdout/stderr content plus a meta file at the path
// the caller asked for via --meta=, mirroring what the real isolator
// would leave behind for Run to read back.
const fakeRunnerScript = `#!/bin/sh
META=""
for arg in "$@"; do
  case "$arg" in
    --meta=*) META="${arg#--meta=}" ;;
  esac
done
case "$*" in
  *--init*) exit 0 ;;
  *--cleanup*) exit 0 ;;
  *--run*)
    mkdir -p "$FAKE_BOX_DIR"
    printf 'hello stdout' > "$FAKE_BOX_DIR/._stdout"
    printf 'hello stderr' > "$FAKE_BOX_DIR/._stderr"
    cat > "$META" <<'EOF'
status:OK
exitcode:0
exitsig:0
time:0.010000
time-wall:0.020000
max-rss:1000
cg-mem:1000
cg-oom-killed:0
csw-forced:1
csw-voluntary:1
EOF
    exit 0
    ;;
esac
exit 0
`

func TestIsolatorSession_ExplicitModeRunLifecycle(t *testing.T) {
	cfg := withFixtureConfig(t, 10)
	writeFakeIsolate(t, fakeRunnerScript)

	boxID := 20101
	dir := BoxDir(cfg, boxID)
	require.NoError(t, os.Setenv("FAKE_BOX_DIR", dir))
	t.Cleanup(func() { os.Unsetenv("FAKE_BOX_DIR") })

	acq, err := Acquire(context.Background(), boxID, time.Second)
	require.NoError(t, err)
	defer acq.Release(context.Background())

	session := NewExplicitSession(acq, OptionSet{Processes: ptrInt(1)}, nil)
	require.NoError(t, session.Enter(context.Background()))

	result, err := session.Run(context.Background(), []string{"echo", "hi"}, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, "hello stdout", string(result.Stdout))
	assert.Equal(t, "hello stderr", string(result.Stderr))
	assert.Equal(t, 0, result.ExitCode)
	require.NotNil(t, result.Meta)
	assert.Equal(t, StatusOK, result.Meta.Status)
	assert.Equal(t, int64(1000), result.Meta.CgMem)

	meta, err := session.Exit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusOK, meta.Status)
}

func TestIsolatorSession_MergedOutputsSkipsStderrRead(t *testing.T) {
	cfg := withFixtureConfig(t, 10)
	writeFakeIsolate(t, fakeRunnerScript)

	boxID := 20102
	dir := BoxDir(cfg, boxID)
	require.NoError(t, os.Setenv("FAKE_BOX_DIR", dir))
	t.Cleanup(func() { os.Unsetenv("FAKE_BOX_DIR") })

	acq, err := Acquire(context.Background(), boxID, time.Second)
	require.NoError(t, err)
	defer acq.Release(context.Background())

	session := NewExplicitSession(acq, OptionSet{Processes: ptrInt(1)}, nil)
	require.NoError(t, session.Enter(context.Background()))
	defer session.Exit(context.Background())

	result, err := session.Run(context.Background(), []string{"echo", "hi"}, nil, nil, true)
	require.NoError(t, err)
	assert.Empty(t, string(result.Stderr))
}
