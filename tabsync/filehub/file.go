package filehub

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/ggoodman/session-lifecycle-go/tabsync"
)

// DefaultRetention is how long message files are kept before pruning.
const DefaultRetention = time.Minute

const (
	msgSuffix = ".msg"
	tmpPrefix = ".tmp-"
)

// Option configures a Hub.
type Option func(*Hub)

// WithRetention sets how long published files are kept.
func WithRetention(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.retention = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.log = l
		}
	}
}

// Hub is a tabsync.Hub backed by a spool directory.
type Hub struct {
	dir       string
	id        string
	retention time.Duration
	log       *slog.Logger

	mu       sync.Mutex
	lastNano int64
	seq      uint64
	subs     map[*subscription]struct{}
	closed   bool
}

var _ tabsync.Hub = (*Hub)(nil)

// New creates dir if needed and returns a Hub rooted there. Every Hub gets a
// distinct id, so several hubs (in one or many processes) can share dir.
func New(dir string, opts ...Option) (*Hub, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filehub: create %s: %w", dir, err)
	}
	h := &Hub{
		dir:       dir,
		id:        strings.ReplaceAll(uuid.NewString(), "-", ""),
		retention: DefaultRetention,
		log:       slog.New(slog.DiscardHandler),
		subs:      make(map[*subscription]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

func (h *Hub) topicDir(topic string) string {
	return filepath.Join(h.dir, base64.RawURLEncoding.EncodeToString([]byte(topic)))
}

// nextName returns a file name that sorts after every name this hub produced
// before, even if the wall clock steps backwards.
func (h *Hub) nextName() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", false
	}
	nano := time.Now().UnixNano()
	if nano <= h.lastNano {
		nano = h.lastNano + 1
	}
	h.lastNano = nano
	h.seq++
	return fmt.Sprintf("%020d-%010d-%s%s", nano, h.seq, h.id, msgSuffix), true
}

func (h *Hub) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	name, ok := h.nextName()
	if !ok {
		return tabsync.ErrHubClosed
	}

	dir := h.topicDir(topic)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("filehub: publish: %w", err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return fmt.Errorf("filehub: publish: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("filehub: publish: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("filehub: publish: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("filehub: publish: %w", err)
	}

	h.prune(dir)
	return nil
}

// prune removes message files older than the retention window.
func (h *Hub) prune(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-h.retention).UnixNano()
	for _, e := range entries {
		nano, ok := parseNano(e.Name())
		if !ok || nano >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			h.log.Debug("filehub.prune.error", slog.String("err", err.Error()))
		}
	}
}

func parseNano(name string) (int64, bool) {
	if !strings.HasSuffix(name, msgSuffix) {
		return 0, false
	}
	prefix, _, ok := strings.Cut(name, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (h *Hub) Subscribe(ctx context.Context, topic string, handler tabsync.HandlerFunc) (tabsync.Subscription, error) {
	dir := h.topicDir(topic)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filehub: subscribe: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filehub: subscribe: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("filehub: subscribe: %w", err)
	}

	// Everything already on disk predates the subscription.
	seen := make(map[string]struct{})
	for _, name := range listMessages(dir) {
		seen[name] = struct{}{}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{hub: h, watcher: w, cancel: cancel}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		_ = w.Close()
		return nil, tabsync.ErrHubClosed
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go sub.run(subCtx, dir, seen, handler)
	return sub, nil
}

// Close stops every subscription. Further Publish and Subscribe calls fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	subs := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}

// listMessages returns the committed message names in dir, sorted.
func listMessages(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, tmpPrefix) || !strings.HasSuffix(name, msgSuffix) {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type subscription struct {
	hub     *Hub
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc

	once sync.Once
	err  error
}

func (s *subscription) run(ctx context.Context, dir string, seen map[string]struct{}, handler tabsync.HandlerFunc) {
	defer func() { _ = s.Close() }()

	log := s.hub.log
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) {
				continue
			}
			// Rescan rather than trusting the single event: it keeps delivery
			// in name order and picks up files whose events were coalesced.
			if !s.deliverNew(ctx, dir, seen, handler) {
				return
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Debug("filehub.watch.error", slog.String("err", err.Error()))
		}
	}
}

// deliverNew hands every unseen message file to handler in name order and
// forgets names that were pruned. It reports false once the subscription is
// done.
func (s *subscription) deliverNew(ctx context.Context, dir string, seen map[string]struct{}, handler tabsync.HandlerFunc) bool {
	names := listMessages(dir)
	present := make(map[string]struct{}, len(names))
	for _, name := range names {
		present[name] = struct{}{}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			// Pruned between listing and reading.
			continue
		}
		if ctx.Err() != nil {
			return false
		}
		handler(ctx, data)
	}
	for name := range seen {
		if _, ok := present[name]; !ok {
			delete(seen, name)
		}
	}
	return ctx.Err() == nil
}

// Close does not wait for the delivery goroutine, so it is safe to call from
// inside the handler.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.watcher.Close()

		h := s.hub
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
	})
	return s.err
}
