package isolate

import (
	"fmt"
	"sync"

	"gopkg.in/ini.v1"
)

// DefaultConfigPath is where the external isolator's own configuration
// file normally lives. It is unrelated to the application's viper-backed
// config.Config — isolate ships its own INI file.
const DefaultConfigPath = "/usr/local/etc/isolate"

// Config is the subset of the external isolator's configuration this
// package depends on (§6 "Isolator configuration file").
type Config struct {
	BoxRoot  string
	NumBoxes int
}

var (
	cachedConfig     *Config
	cachedConfigErr  error
	cachedConfigPath string
	loadOnce         sync.Once
)

// LoadConfig reads the isolator's configuration file once per process and
// memoizes the result (§9 "class-level cached configuration"). Subsequent
// calls, even with a different path, return the outcome of that first
// read — its value, or its error if it failed; a failed read is not
// retried — the isolator configuration is assumed process-lifetime-stable.
func LoadConfig(path string) (*Config, error) {
	loadOnce.Do(func() {
		cachedConfigPath = path
		cachedConfig, cachedConfigErr = readConfig(path)
	})
	if cachedConfigErr != nil {
		return nil, fmt.Errorf("load isolate config %s: %w", cachedConfigPath, cachedConfigErr)
	}
	return cachedConfig, nil
}

// resetConfigForTest clears the memoized config so tests can exercise
// LoadConfig against a fixture path. Not exported: process-lifetime
// caching is intentional outside of tests.
func resetConfigForTest() {
	loadOnce = sync.Once{}
	cachedConfig = nil
	cachedConfigErr = nil
}

func readConfig(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	section := f.Section("")
	boxRoot := section.Key("box_root").MustString("/var/local/lib/isolate")
	numBoxes := section.Key("num_boxes").MustInt(1000)

	return &Config{BoxRoot: boxRoot, NumBoxes: numBoxes}, nil
}
