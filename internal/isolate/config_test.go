package isolate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "isolate.cfg")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfig_ParsesBoxRootAndNumBoxes(t *testing.T) {
	resetConfigForTest()
	defer resetConfigForTest()

	path := writeConfigFixture(t, "box_root = /var/local/lib/isolate\nnum_boxes = 128\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/local/lib/isolate", cfg.BoxRoot)
	assert.Equal(t, 128, cfg.NumBoxes)
}

func TestLoadConfig_DefaultsWhenKeysAbsent(t *testing.T) {
	resetConfigForTest()
	defer resetConfigForTest()

	path := writeConfigFixture(t, "# empty on purpose\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/local/lib/isolate", cfg.BoxRoot)
	assert.Equal(t, 1000, cfg.NumBoxes)
}

func TestLoadConfig_MemoizesAcrossCalls(t *testing.T) {
	resetConfigForTest()
	defer resetConfigForTest()

	first := writeConfigFixture(t, "box_root = /first\nnum_boxes = 3\n")
	second := writeConfigFixture(t, "box_root = /second\nnum_boxes = 7\n")

	cfg1, err := LoadConfig(first)
	require.NoError(t, err)

	// A different path on a later call is ignored: the first successful
	// load wins for the life of the process (§9 class-level cache).
	cfg2, err := LoadConfig(second)
	require.NoError(t, err)

	assert.Same(t, cfg1, cfg2)
	assert.Equal(t, "/first", cfg2.BoxRoot)
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	resetConfigForTest()
	defer resetConfigForTest()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.cfg"))
	assert.Error(t, err)
}
