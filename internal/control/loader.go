// Package control watches the app-authored control document and
// exposes the currently loaded version to the rest of the agent.
package control

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relaywatch/agent/internal/logging"
	"github.com/relaywatch/agent/internal/models"
)

// Loader watches control.json and reloads configuration when the
// version increases; a document with an equal or lower version is
// ignored. A poll ticker is the source of truth; an fsnotify
// watcher on the file's parent directory triggers earlier checks when
// available, but the loader works correctly on poll alone if the
// watcher can't be started.
type Loader struct {
	mu           sync.RWMutex
	filePath     string
	current      *models.ControlDocument
	version      int
	pollInterval time.Duration
	stopCh       chan struct{}
	watcher      *fsnotify.Watcher
}

// NewLoader creates a new control file loader.
func NewLoader(filePath string) *Loader {
	return &Loader{
		filePath:     filePath,
		pollInterval: 15 * time.Second,
		stopCh:       make(chan struct{}),
	}
}

// LoadInitial performs the first load of control.json. Returns error
// if the file exists but cannot be read or parsed as JSON; a missing
// file is not an error, since a freshly provisioned agent has no users
// registered yet. The structural checks in validate are not applied
// to this first load.
func (l *Loader) LoadInitial() error {
	cd, err := l.readFile()
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info().Msg("no control.json found, starting with empty configuration")
			l.mu.Lock()
			l.current = &models.ControlDocument{Version: 0}
			l.version = 0
			l.mu.Unlock()
			return nil
		}
		return fmt.Errorf("initial load: %w", err)
	}

	l.mu.Lock()
	l.current = cd
	l.version = cd.Version
	l.mu.Unlock()

	logging.Info().
		Int("version", cd.Version).
		Int("users", len(cd.Users)).
		Int("alerts", len(cd.Alerts)).
		Int("automations", len(cd.Automations)).
		Msg("loaded control.json")
	return nil
}

// Start begins the periodic polling loop and, if possible, an
// fsnotify watcher on the control file's directory for event-driven
// reloads.
func (l *Loader) Start() {
	if w, err := fsnotify.NewWatcher(); err != nil {
		logging.Warn().Err(err).Msg("fsnotify watcher unavailable, falling back to poll-only control reload")
	} else {
		dir := filepath.Dir(l.filePath)
		if err := w.Add(dir); err != nil {
			logging.Warn().Err(err).Str("dir", dir).Msg("failed to watch control.json directory, falling back to poll-only")
			w.Close()
		} else {
			l.watcher = w
			go l.watchLoop()
		}
	}

	go l.pollLoop()
}

// Stop halts the polling loop and fsnotify watcher.
func (l *Loader) Stop() {
	close(l.stopCh)
	if l.watcher != nil {
		l.watcher.Close()
	}
}

// Get returns the current control document (thread-safe).
func (l *Loader) Get() *models.ControlDocument {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Version returns the current loaded version.
func (l *Loader) Version() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.version
}

func (l *Loader) pollLoop() {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.checkForUpdate()
		}
	}
}

func (l *Loader) watchLoop() {
	for {
		select {
		case <-l.stopCh:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.filePath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				l.checkForUpdate()
			}
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

func (l *Loader) checkForUpdate() {
	cd, err := l.readFile()
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn().Err(err).Msg("failed to read control.json")
		}
		return
	}

	l.mu.RLock()
	currentVersion := l.version
	l.mu.RUnlock()

	if cd.Version <= currentVersion {
		return
	}

	if err := l.validate(cd); err != nil {
		logging.Error().Int("version", cd.Version).Err(err).Msg("rejected invalid control.json")
		return
	}

	l.mu.Lock()
	l.current = cd
	l.version = cd.Version
	l.mu.Unlock()

	logging.Info().
		Int("from_version", currentVersion).
		Int("to_version", cd.Version).
		Int("users", len(cd.Users)).
		Int("alerts", len(cd.Alerts)).
		Int("automations", len(cd.Automations)).
		Msg("reloaded control.json")
}

func (l *Loader) readFile() (*models.ControlDocument, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, err
	}

	var cd models.ControlDocument
	if err := json.Unmarshal(data, &cd); err != nil {
		return nil, fmt.Errorf("parse control.json: %w", err)
	}

	return &cd, nil
}

func (l *Loader) validate(cd *models.ControlDocument) error {
	for i, u := range cd.Users {
		if u.UserUUID == "" {
			return fmt.Errorf("user[%d]: empty user_uuid", i)
		}
		if u.APIKeyEncrypted == "" {
			return fmt.Errorf("user[%d] (%s): empty api_key_encrypted", i, u.UserUUID)
		}
	}

	for i, a := range cd.Alerts {
		if a.ID == "" {
			return fmt.Errorf("alert[%d]: empty id", i)
		}
		if a.UserUUID == "" {
			return fmt.Errorf("alert[%d] (%s): empty user_uuid", i, a.ID)
		}
		if a.ServerID == "" {
			return fmt.Errorf("alert[%d] (%s): empty server_id", i, a.ID)
		}
	}

	for i, a := range cd.Automations {
		if a.ID == "" {
			return fmt.Errorf("automation[%d]: empty id", i)
		}
		if a.UserUUID == "" {
			return fmt.Errorf("automation[%d] (%s): empty user_uuid", i, a.ID)
		}
		if a.ServerID == "" {
			return fmt.Errorf("automation[%d] (%s): empty server_id", i, a.ID)
		}
	}

	return nil
}
