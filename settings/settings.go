// Package settings persists the reconnect policy and the per-device
// auto-reconnect opt-ins across restarts. The format is a plain JSON
// document; what to persist is fixed, where is the caller's choice.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbipmgr/usbipmgr/state"
)

type document struct {
	Policy policyDoc       `json:"policy"`
	Auto   map[string]bool `json:"auto_reconnect"`
}

type policyDoc struct {
	Enabled           bool `json:"enabled"`
	CheckIntervalSecs int  `json:"check_interval_seconds"`
	MaxAttempts       int  `json:"max_attempts"`
	GracePeriodSecs   int  `json:"grace_period_seconds"`
}

// File is a JSON-file backed settings store. Every change is written
// through immediately; the file is replaced atomically.
type File struct {
	logger log.Logger

	mu   sync.Mutex
	path string
	doc  document
}

// Open loads the settings file, falling back to defaults when it does
// not exist yet. A corrupt file is an error, not silently reset.
func Open(path string, logger log.Logger) (*File, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	f := &File{logger: logger, path: path}
	raw, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		f.doc = defaultDocument()
		return f, nil
	case err != nil:
		return nil, errors.Wrapf(err, "reading settings file %s", path)
	}
	if err := json.Unmarshal(raw, &f.doc); err != nil {
		return nil, errors.Wrapf(err, "settings file %s is corrupt", path)
	}
	if f.doc.Auto == nil {
		f.doc.Auto = map[string]bool{}
	}
	if f.doc.Policy.CheckIntervalSecs <= 0 {
		f.doc.Policy.CheckIntervalSecs = int(state.DefaultCheckInterval / time.Second)
	}
	if f.doc.Policy.MaxAttempts <= 0 {
		f.doc.Policy.MaxAttempts = state.DefaultMaxAttempts
	}
	if f.doc.Policy.GracePeriodSecs <= 0 {
		f.doc.Policy.GracePeriodSecs = int(state.DefaultGracePeriod / time.Second)
	}
	return f, nil
}

func defaultDocument() document {
	return document{
		Policy: policyDoc{
			Enabled:           true,
			CheckIntervalSecs: int(state.DefaultCheckInterval / time.Second),
			MaxAttempts:       state.DefaultMaxAttempts,
			GracePeriodSecs:   int(state.DefaultGracePeriod / time.Second),
		},
		Auto: map[string]bool{},
	}
}

// Policy returns the persisted reconnect policy.
func (f *File) Policy() state.ReconnectPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return state.ReconnectPolicy{
		Enabled:       f.doc.Policy.Enabled,
		CheckInterval: time.Duration(f.doc.Policy.CheckIntervalSecs) * time.Second,
		MaxAttempts:   f.doc.Policy.MaxAttempts,
		GracePeriod:   time.Duration(f.doc.Policy.GracePeriodSecs) * time.Second,
	}
}

// SetPolicy persists a new policy. The transient grace deadline is not
// written out.
func (f *File) SetPolicy(p state.ReconnectPolicy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.Policy = policyDoc{
		Enabled:           p.Enabled,
		CheckIntervalSecs: int(p.CheckInterval / time.Second),
		MaxAttempts:       p.MaxAttempts,
		GracePeriodSecs:   int(p.GracePeriod / time.Second),
	}
	return f.writeLocked()
}

// AutoFlags returns the persisted per-device opt-ins, to seed the state
// store at startup.
func (f *File) AutoFlags() map[state.Key]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[state.Key]bool, len(f.doc.Auto))
	for raw, enabled := range f.doc.Auto {
		key, ok := parseFlagKey(raw)
		if !ok {
			_ = level.Warn(f.logger).Log("msg", "skipping malformed auto flag key", "key", raw)
			continue
		}
		out[key] = enabled
	}
	return out
}

// SaveAuto implements state.FlagSink. Write failures are logged, not
// propagated: losing a flag across restarts beats failing the toggle.
func (f *File) SaveAuto(key state.Key, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doc.Auto[flagKey(key)] = enabled
	if err := f.writeLocked(); err != nil {
		_ = level.Error(f.logger).Log("msg", "persisting auto flag failed", "err", err)
	}
}

func flagKey(key state.Key) string {
	return key.Host + "|" + string(key.Side) + "|" + key.BusId
}

func parseFlagKey(raw string) (state.Key, bool) {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return state.Key{}, false
	}
	return state.Key{Host: parts[0], Side: state.Side(parts[1]), BusId: parts[2]}, true
}

func (f *File) writeLocked() error {
	raw, err := json.MarshalIndent(f.doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding settings")
	}
	tmp := f.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return errors.Wrap(err, "creating settings directory")
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrap(err, "writing settings")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "replacing settings file")
	}
	return nil
}
