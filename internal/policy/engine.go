// Package policy evaluates the command allow/deny policy consulted before
// the privileged system-execution tool runs anything.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Document is the on-disk policy shape.
type Document struct {
	Allowlist Allowlist `json:"allowlist"`
	Denylist  Denylist  `json:"denylist"`
}

// Allowlist permits commands by leading token and restricts working
// directories by prefix. The token $workspaceRoot in CwdPrefix expands to
// the runtime's workspace root.
type Allowlist struct {
	Commands  []string `json:"commands"`
	CwdPrefix []string `json:"cwdPrefix"`
}

// Denylist rejects commands whose joined line matches any pattern.
// Denylist evaluation precedes the allowlist.
type Denylist struct {
	Patterns []string `json:"patterns"`
}

// Decision is the outcome of a policy evaluation. A non-approved decision
// carries a human-readable reason.
type Decision struct {
	Approved bool
	Reason   string
}

// DefaultDocument returns the policy written by EnsureDefault and used
// when no policy file exists.
func DefaultDocument() Document {
	return Document{
		Allowlist: Allowlist{
			Commands: []string{
				"git", "ls", "cat", "pwd", "echo", "grep",
				"find", "head", "tail", "wc", "go", "npm", "make",
			},
			CwdPrefix: []string{"$workspaceRoot"},
		},
		Denylist: Denylist{
			Patterns: []string{
				`rm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|/\*)\s*$`,
				`(curl|wget)[^|;&]*\|\s*(sudo\s+)?\S*sh\b`,
				`(^|\s)(sudo|doas|su)(\s|$)`,
				`chmod\s+(-[a-zA-Z]+\s+)*(0?777|a\+rwx)`,
				`(>|>>|\bof=)\s*/dev/(sd|hd|nvme|xvd|loop|dm-)`,
				`(^|\s)(eval|exec)(\s|$)`,
				`mkfs(\.\w+)?\s`,
			},
		},
	}
}

// Engine holds a compiled policy and reloads it when the backing file
// changes.
type Engine struct {
	path          string
	workspaceRoot string
	logger        *slog.Logger

	mu     sync.RWMutex
	doc    Document
	denyRE []*regexp.Regexp

	watchMu     sync.Mutex
	watcher     *fsnotify.Watcher
	watchCancel context.CancelFunc
	watchWg     sync.WaitGroup
}

// NewEngine loads the policy at path, falling back to DefaultDocument
// when the file is absent. workspaceRoot feeds $workspaceRoot expansion.
func NewEngine(path, workspaceRoot string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{
		path:          path,
		workspaceRoot: filepath.Clean(workspaceRoot),
		logger:        logger.With("component", "policy"),
	}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload re-reads the policy file and swaps the compiled document in one
// step. A missing file restores the defaults; a broken file keeps the
// previous policy and returns the error.
func (e *Engine) Reload() error {
	doc := DefaultDocument()

	data, err := os.ReadFile(e.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse policy %s: %w", e.path, err)
		}
	case os.IsNotExist(err):
		// Defaults apply until a file shows up.
	default:
		return fmt.Errorf("read policy %s: %w", e.path, err)
	}

	denyRE := make([]*regexp.Regexp, 0, len(doc.Denylist.Patterns))
	for _, p := range doc.Denylist.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("compile deny pattern %q: %w", p, err)
		}
		denyRE = append(denyRE, re)
	}

	e.mu.Lock()
	e.doc = doc
	e.denyRE = denyRE
	e.mu.Unlock()
	return nil
}

// Evaluate decides whether argv may run in cwd. An empty cwd means the
// workspace root.
func (e *Engine) Evaluate(argv []string, cwd string) Decision {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return Decision{Approved: false, Reason: "empty command"}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	line := strings.Join(argv, " ")
	for i, re := range e.denyRE {
		if re.MatchString(line) {
			return Decision{
				Approved: false,
				Reason:   fmt.Sprintf("command matches denied pattern %q", e.doc.Denylist.Patterns[i]),
			}
		}
	}

	first := argv[0]
	allowed := false
	for _, c := range e.doc.Allowlist.Commands {
		if first == c || strings.HasPrefix(first, c) {
			allowed = true
			break
		}
	}
	if !allowed {
		return Decision{
			Approved: false,
			Reason:   fmt.Sprintf("command %q is not in the allowlist", first),
		}
	}

	if len(e.doc.Allowlist.CwdPrefix) > 0 {
		norm := cwd
		if strings.TrimSpace(norm) == "" {
			norm = e.workspaceRoot
		}
		norm = filepath.Clean(norm)
		ok := false
		for _, prefix := range e.doc.Allowlist.CwdPrefix {
			p := filepath.Clean(strings.ReplaceAll(prefix, "$workspaceRoot", e.workspaceRoot))
			if norm == p || strings.HasPrefix(norm, p+string(os.PathSeparator)) {
				ok = true
				break
			}
		}
		if !ok {
			return Decision{
				Approved: false,
				Reason:   fmt.Sprintf("working directory %q is outside allowed prefixes", norm),
			}
		}
	}

	return Decision{Approved: true}
}

// Snapshot returns a copy of the active policy document.
func (e *Engine) Snapshot() Document {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc := e.doc
	doc.Allowlist.Commands = append([]string(nil), e.doc.Allowlist.Commands...)
	doc.Allowlist.CwdPrefix = append([]string(nil), e.doc.Allowlist.CwdPrefix...)
	doc.Denylist.Patterns = append([]string(nil), e.doc.Denylist.Patterns...)
	return doc
}

// Watch reloads the policy when the backing file is rewritten. Events are
// debounced because editors and atomic writers emit bursts.
func (e *Engine) Watch(ctx context.Context) error {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if e.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	dir := filepath.Dir(e.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	e.watcher = watcher
	e.watchCancel = cancel

	e.watchWg.Add(1)
	go e.watchLoop(watchCtx, watcher)
	return nil
}

// Close stops the watcher if one is running.
func (e *Engine) Close() error {
	e.watchMu.Lock()
	if e.watchCancel != nil {
		e.watchCancel()
		e.watchCancel = nil
	}
	watcher := e.watcher
	e.watcher = nil
	e.watchMu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	e.watchWg.Wait()
	return nil
}

func (e *Engine) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer e.watchWg.Done()

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if err := e.Reload(); err != nil {
				e.logger.Warn("policy reload failed", "error", err)
				return
			}
			e.logger.Info("policy reloaded", "path", e.path)
		})
	}

	target := filepath.Base(e.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("policy watch error", "error", err)
		}
	}
}

// EnsureDefault writes the default policy to path unless a file already
// exists there.
func EnsureDefault(path string) (created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	data, err := json.MarshalIndent(DefaultDocument(), "", "  ")
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return false, fmt.Errorf("write default policy: %w", err)
	}
	return true, nil
}
