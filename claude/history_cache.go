package claude

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/xiaoyuanzhu-com/claude-console/log"
)

// cacheEntry holds the parsed records of one session file, keyed by the
// file's mtime at parse time. A changed mtime invalidates the whole entry;
// stale entries are replaced, never patched.
type cacheEntry struct {
	path    string
	mtime   time.Time
	records []json.RawMessage
}

// sessionRecords is one session's slice of a refresh snapshot.
type sessionRecords struct {
	sessionID  string
	projectDir string
	path       string
	mtime      time.Time
	records    []json.RawMessage
}

// sessionFile is one candidate file found by the directory scan.
type sessionFile struct {
	path       string
	projectDir string
	sessionID  string
	mtime      time.Time
}

// refresh runs the cache protocol and returns a consistent snapshot keyed by
// SessionID. Concurrent callers share one pass through the single-flight
// group; a failed pass clears the in-flight handle so the next caller
// retries.
func (h *HistoryIndex) refresh() (map[string]*sessionRecords, error) {
	v, err, _ := h.group.Do("refresh", func() (any, error) {
		return h.refreshPass()
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*sessionRecords), nil
}

func (h *HistoryIndex) refreshPass() (map[string]*sessionRecords, error) {
	files, err := h.scanFiles()
	if err != nil {
		return nil, err
	}

	current := make(map[string]bool, len(files))
	snapshot := make(map[string]*sessionRecords, len(files))

	for _, file := range files {
		current[file.path] = true

		h.mu.Lock()
		entry, ok := h.entries[file.path]
		if ok && entry.mtime.Equal(file.mtime) {
			snapshot[file.sessionID] = &sessionRecords{
				sessionID:  file.sessionID,
				projectDir: file.projectDir,
				path:       file.path,
				mtime:      entry.mtime,
				records:    entry.records,
			}
			h.mu.Unlock()
			continue
		}
		h.mu.Unlock()

		// Parse outside the lock: disk I/O must not serialize other
		// cache lookups.
		records := h.parseFile(file.path)

		h.mu.Lock()
		h.entries[file.path] = &cacheEntry{path: file.path, mtime: file.mtime, records: records}
		h.mu.Unlock()

		snapshot[file.sessionID] = &sessionRecords{
			sessionID:  file.sessionID,
			projectDir: file.projectDir,
			path:       file.path,
			mtime:      file.mtime,
			records:    records,
		}
	}

	// Evict entries whose files are gone.
	h.mu.Lock()
	for path := range h.entries {
		if !current[path] {
			delete(h.entries, path)
		}
	}
	h.mu.Unlock()

	return snapshot, nil
}

// scanFiles stats every <project>/<sessionID>.jsonl under the projects dir.
// A missing projects dir is an empty history, not an error.
func (h *HistoryIndex) scanFiles() ([]sessionFile, error) {
	dirs, err := os.ReadDir(h.projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []sessionFile
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		projectDir := filepath.Join(h.projectsDir, dir.Name())
		entries, err := os.ReadDir(projectDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			files = append(files, sessionFile{
				path:       filepath.Join(projectDir, entry.Name()),
				projectDir: dir.Name(),
				sessionID:  strings.TrimSuffix(entry.Name(), ".jsonl"),
				mtime:      info.ModTime(),
			})
		}
	}
	return files, nil
}

// parseFile reads one session file. Malformed lines are logged and skipped;
// they never fail the listing.
func (h *HistoryIndex) parseFile(path string) []json.RawMessage {
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to open session file")
		return nil
	}
	defer f.Close()

	var records []json.RawMessage
	err = ScanLines(f, func(record json.RawMessage, perr error) bool {
		if perr != nil {
			log.Debug().Err(perr).Str("path", path).Msg("skipping malformed session line")
			if h.onParseError != nil {
				h.onParseError()
			}
			return true
		}
		records = append(records, record)
		return true
	})
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to read session file")
	}
	return records
}

// startWatcher begins eager cache eviction on file events. The mtime check
// in refresh remains the source of truth; the watcher only tightens the
// window in which a stale entry can be reused.
func (h *HistoryIndex) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	h.watcher = watcher

	if err := watcher.Add(h.projectsDir); err != nil {
		watcher.Close()
		h.watcher = nil
		return err
	}
	dirs, err := os.ReadDir(h.projectsDir)
	if err == nil {
		for _, dir := range dirs {
			if dir.IsDir() {
				if err := watcher.Add(filepath.Join(h.projectsDir, dir.Name())); err != nil {
					log.Debug().Err(err).Str("dir", dir.Name()).Msg("failed to watch project directory")
				}
			}
		}
	}

	h.wg.Add(1)
	go h.watchLoop()
	return nil
}

func (h *HistoryIndex) watchLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.handleFSEvent(event)

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("fsnotify error")
		}
	}
}

func (h *HistoryIndex) handleFSEvent(event fsnotify.Event) {
	if event.Op&fsnotify.Create != 0 {
		info, err := os.Stat(event.Name)
		if err == nil && info.IsDir() && filepath.Dir(event.Name) == h.projectsDir {
			if err := h.watcher.Add(event.Name); err == nil {
				log.Debug().Str("dir", event.Name).Msg("watching new project directory")
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
		return
	}

	h.mu.Lock()
	delete(h.entries, event.Name)
	h.mu.Unlock()
}
