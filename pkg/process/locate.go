package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/dbgpdap/dbgpdap/pkg/logflags"
)

// DefaultRuntimeName is the executable looked up when nothing else is
// configured.
const DefaultRuntimeName = "AutoHotkey"

// Locator finds the runtime executable. Install directories contain one
// subdirectory per installed version, named <Name>_<version>, holding the
// executable.
type Locator struct {
	// Path is used as is when set.
	Path string
	// InstallDir is scanned for versioned installations.
	InstallDir string
	// Name is the executable name, DefaultRuntimeName if empty.
	Name string

	once sync.Once
	path string
	err  error
}

// Locate returns the runtime executable. The result is computed once and
// reused for the lifetime of the Locator.
func (l *Locator) Locate() (string, error) {
	l.once.Do(func() {
		l.path, l.err = l.locate()
	})
	return l.path, l.err
}

func (l *Locator) name() string {
	if l.Name != "" {
		return l.Name
	}
	return DefaultRuntimeName
}

func (l *Locator) locate() (string, error) {
	if l.Path != "" {
		return l.Path, nil
	}
	log := logflags.RuntimeLogger()
	if l.InstallDir != "" {
		p, err := newestInstalled(l.InstallDir, l.name())
		if err == nil {
			return p, nil
		}
		log.Debugf("no runtime in %s, falling back to $PATH: %v", l.InstallDir, err)
	}
	p, err := exec.LookPath(executable(l.name()))
	if err != nil {
		return "", fmt.Errorf("could not find runtime %q: %w", l.name(), err)
	}
	return p, nil
}

var errNoInstall = errors.New("no versioned installation found")

func newestInstalled(dir, name string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	prefix := strings.ToLower(name) + "_"
	var best *semver.Version
	var bestPath string
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(strings.ToLower(e.Name()), prefix) {
			continue
		}
		v, err := semver.NewVersion(e.Name()[len(prefix):])
		if err != nil {
			continue
		}
		p := filepath.Join(dir, e.Name(), executable(name))
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best, bestPath = v, p
		}
	}
	if best == nil {
		return "", errNoInstall
	}
	return bestPath, nil
}

func executable(name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}
