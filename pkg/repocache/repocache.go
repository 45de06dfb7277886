// Package repocache manages per-(installation, repository) git working
// copies shared across tasks: fair FIFO locking around each entry,
// shallow clone / fetch-and-fast-forward refresh, credential scrubbing,
// and an ephemeral git credential helper: a token reaches git only through
// a temporary GIT_ASKPASS script (mode 0700, removed after each refresh),
// never through a remote URL, argv, git config, or logs.
package repocache

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	sharederrors "github.com/jordigilh/wrenchbot/pkg/shared/errors"
	"github.com/jordigilh/wrenchbot/pkg/tokenbroker"
	"github.com/jordigilh/wrenchbot/pkg/types"
)

// ErrCacheBusy is returned by Acquire when the fair-FIFO wait exceeds the
// configured maximum.
var ErrCacheBusy = fmt.Errorf("cache-busy")

// ErrAccessDenied is returned when an operation would touch a path
// matching a configured sensitive pattern.
var ErrAccessDenied = fmt.Errorf("access-denied")

// ErrTooLarge is returned when a file read exceeds the configured cap.
var ErrTooLarge = fmt.Errorf("too-large")

// Config configures a Manager.
type Config struct {
	Root               string
	CloneDepth         int
	MaxWait            time.Duration
	MaxEntries         int
	SensitivePatterns  []string
	MaxReadBytes       int64
}

// entry tracks one (installation, repo) working copy and its fair-FIFO
// lock. waiters is a channel-based ticket queue: each Acquire call
// enqueues its own channel and blocks on it, guaranteeing FIFO order.
type entry struct {
	mu         sync.Mutex
	waiters    []chan struct{}
	locked     bool
	cloned     bool
	localPath  string
	defaultRef string
}

// Manager is the repository cache manager.
type Manager struct {
	cfg     Config
	broker  *tokenbroker.Broker
	log     *logrus.Logger
	sensRe  []*regexp.Regexp

	mu      sync.Mutex
	entries map[string]*entry
	lru     *lru.Cache[string, struct{}]
}

// New builds a Manager rooted at cfg.Root.
func New(cfg Config, broker *tokenbroker.Broker, log *logrus.Logger) (*Manager, error) {
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 2 * time.Minute
	}
	if cfg.MaxReadBytes == 0 {
		cfg.MaxReadBytes = 10 * 1024 * 1024
	}
	if cfg.CloneDepth == 0 {
		cfg.CloneDepth = 1
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.SensitivePatterns))
	for _, p := range cfg.SensitivePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, sharederrors.ConfigurationError("repocache.sensitive_patterns", fmt.Sprintf("invalid pattern %q: %v", p, err))
		}
		patterns = append(patterns, re)
	}

	m := &Manager{cfg: cfg, broker: broker, log: log, sensRe: patterns, entries: make(map[string]*entry)}
	if cfg.MaxEntries > 0 {
		cache, err := lru.NewWithEvict[string, struct{}](cfg.MaxEntries, m.onEvict)
		if err != nil {
			return nil, sharederrors.ConfigurationError("repocache.max_entries", err.Error())
		}
		m.lru = cache
	}
	return m, nil
}

func (m *Manager) onEvict(key string, _ struct{}) {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		delete(m.entries, key)
	}
	m.mu.Unlock()
	if ok && e.localPath != "" {
		_ = os.RemoveAll(e.localPath)
		m.log.WithField("key", key).Info("evicted repository cache entry")
	}
}

func entryKey(installationID, repoFullName string) string {
	return fmt.Sprintf("%s/%s", installationID, repoFullName)
}

func (m *Manager) getOrCreateEntry(key, localPath string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{localPath: localPath}
		m.entries[key] = e
	}
	if m.lru != nil {
		m.lru.Add(key, struct{}{})
	}
	return e
}

// lock enqueues a FIFO ticket and blocks until it is this caller's turn
// or ctx/maxWait expires.
func (e *entry) lock(ctx context.Context, maxWait time.Duration) error {
	ticket := make(chan struct{})

	e.mu.Lock()
	if !e.locked && len(e.waiters) == 0 {
		e.locked = true
		e.mu.Unlock()
		return nil
	}
	e.waiters = append(e.waiters, ticket)
	e.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case <-ticket:
		return nil
	case <-timer.C:
		return ErrCacheBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *entry) unlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.waiters) == 0 {
		e.locked = false
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	close(next)
}

// Acquire returns the local working-copy path for (installationID, repo),
// cloning or fast-forwarding it as needed, under a fair FIFO lock.
func (m *Manager) Acquire(ctx context.Context, installationID string, repo types.Target, provider types.Provider, organizationID string) (string, error) {
	key := entryKey(installationID, repo.RepoFullName)
	localPath := filepath.Join(m.cfg.Root, sanitizePathComponent(installationID), sanitizePathComponent(repo.RepoFullName))

	e := m.getOrCreateEntry(key, localPath)
	if err := e.lock(ctx, m.cfg.MaxWait); err != nil {
		return "", err
	}

	if err := m.refresh(ctx, e, repo, provider, organizationID); err != nil {
		e.unlock()
		return "", err
	}

	return e.localPath, nil
}

func (m *Manager) refresh(ctx context.Context, e *entry, repo types.Target, provider types.Provider, organizationID string) error {
	token, err := m.broker.GetToken(ctx, provider, organizationID)
	if err != nil {
		return sharederrors.Wrapf(err, "acquiring token for %s", repo.RepoFullName)
	}

	askpass, cleanup, err := writeCredentialHelper(token.Value)
	if err != nil {
		return sharederrors.FailedTo("create ephemeral credential helper", err)
	}
	defer cleanup()

	if !e.cloned {
		if err := os.MkdirAll(filepath.Dir(e.localPath), 0o755); err != nil {
			return sharederrors.FailedTo("create cache directory", err)
		}
		if err := os.RemoveAll(e.localPath); err != nil {
			return sharederrors.FailedTo("clear stale working copy", err)
		}
		cloneURL := scrubCredentials(repo.RepoFullName)
		args := []string{"clone", "--depth", fmt.Sprintf("%d", m.cfg.CloneDepth), cloneURL, e.localPath}
		if err := m.runGit(ctx, "", askpass, args...); err != nil {
			return sharederrors.Wrapf(err, "cloning %s", scrubCredentials(repo.RepoFullName))
		}
		e.cloned = true
		return nil
	}

	if err := m.runGit(ctx, e.localPath, askpass, "fetch", "origin"); err != nil {
		return sharederrors.Wrapf(err, "fetching %s", scrubCredentials(repo.RepoFullName))
	}
	if err := m.runGit(ctx, e.localPath, askpass, "reset", "--hard", "origin/HEAD"); err != nil {
		return sharederrors.Wrapf(err, "fast-forwarding %s", scrubCredentials(repo.RepoFullName))
	}
	return nil
}

// Release checks out the previously checked-out branch, removes untracked
// files, resets the working tree to HEAD, and unlocks the entry. Branches
// created during the task are not deleted. If cleaning or resetting fails
// the entry is marked for recreate (a fresh clone) on next acquire.
func (m *Manager) Release(ctx context.Context, installationID string, repo types.Target) error {
	key := entryKey(installationID, repo.RepoFullName)
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	defer e.unlock()

	if err := m.runGit(ctx, e.localPath, "", "checkout", "-"); err != nil {
		m.log.WithError(err).WithField("repo", repo.RepoFullName).Warn("failed to return to default branch on release")
	}
	if err := m.runGit(ctx, e.localPath, "", "clean", "-fd"); err != nil {
		e.cloned = false
		m.log.WithError(err).WithField("repo", repo.RepoFullName).Warn("working tree irrecoverable, marked for recreate")
		return nil
	}
	if err := m.runGit(ctx, e.localPath, "", "reset", "--hard", "HEAD"); err != nil {
		e.cloned = false
	}
	return nil
}

// CheckAccess enforces the sensitive-pattern and max-size policies
// before the caller reads a file from a working copy.
func (m *Manager) CheckAccess(relativePath string, sizeBytes int64) error {
	for _, re := range m.sensRe {
		if re.MatchString(relativePath) {
			return ErrAccessDenied
		}
	}
	if sizeBytes > m.cfg.MaxReadBytes {
		return ErrTooLarge
	}
	return nil
}

func (m *Manager) runGit(ctx context.Context, dir, askpass string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	if askpass != "" {
		cmd.Env = append(cmd.Env, "GIT_ASKPASS="+askpass)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", scrubCredentials(strings.Join(args, " ")), scrubCredentials(string(out)))
	}
	return nil
}

// writeCredentialHelper writes a throwaway script that echoes token when
// git invokes it as GIT_ASKPASS, so the token never appears in a remote
// URL, argv, or git config.
func writeCredentialHelper(token string) (path string, cleanup func(), err error) {
	f, err := os.CreateTemp("", "wrenchbot-askpass-*")
	if err != nil {
		return "", nil, err
	}
	script := fmt.Sprintf("#!/bin/sh\necho %s\n", shellQuote(token))
	if _, err := f.WriteString(script); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	if err := os.Chmod(f.Name(), 0o700); err != nil {
		os.Remove(f.Name())
		return "", nil, err
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// scrubCredentials strips userinfo (user:token@) from any URL-shaped
// substring so credentials never reach a log line or recorded command.
func scrubCredentials(s string) string {
	u, err := url.Parse(s)
	if err == nil && u.User != nil {
		u.User = nil
		return u.String()
	}
	return credentialPattern.ReplaceAllString(s, "$1***@")
}

var credentialPattern = regexp.MustCompile(`(https?://)[^/@\s]+@`)

func sanitizePathComponent(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(s)
}
