package swcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/sync/errgroup"
)

var ErrInstallFailed = errors.New("install failed")

// State of a worker version.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled // waiting
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const activeRecordName = "active"

// activeRecord remembers the last activated version across restarts.
type activeRecord struct {
	Version      string
	StaticCache  string
	DynamicCache string
	ManifestHash uint64
	ActivatedAt  int64
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) handleInstall(ctx context.Context, _ Event) (*Response, error) {
	if err := w.Install(ctx); err != nil {
		return nil, err
	}
	if w.s.SkipWaiting {
		w.SkipWaiting()
	}
	return nil, nil
}

// Install fills the static generation from the manifest and moves the
// worker to the waiting state. With the strict policy nothing is stored
// unless every entry was fetched.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.log.Info("installing", "static", w.s.StaticCacheName, "entries", len(w.s.Manifest))

	w.checkManifest()

	stored, err := w.populate(ctx)
	if err != nil {
		w.setState(StateRedundant)
		w.log.Error("failed to cache static assets", "err", err)
		return fmt.Errorf("%w: %v", ErrInstallFailed, err)
	}
	w.setState(StateInstalled)
	w.log.Info("static assets cached", "stored", stored)
	return nil
}

// checkManifest warns when the manifest changed but the version did not;
// old clients would never see the new assets.
func (w *Worker) checkManifest() {
	var prev activeRecord
	ok, err := w.reg.loadRecord(activeRecordName, &prev)
	if err != nil {
		w.log.Warn("cannot read active record", "err", err)
		return
	}
	if !ok || prev.Version != w.s.Version {
		return
	}
	if h := manifestHash(w.s.Manifest); h != prev.ManifestHash {
		w.log.Warn("static manifest changed without a version bump", "version", w.s.Version)
	}
}

func manifestHash(manifest []string) uint64 {
	h, err := hashstructure.Hash(manifest, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

func (w *Worker) populate(ctx context.Context) (int, error) {
	strict := w.s.InstallPolicy != InstallTolerant
	results := make([]*Response, len(w.s.Manifest))
	keys := make([]string, len(w.s.Manifest))
	failures := make([]error, len(w.s.Manifest))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.s.Concurrency)
	for i, raw := range w.s.Manifest {
		i, raw := i, raw
		g.Go(func() error {
			resp, key, err := w.fetchManifestEntry(gctx, raw)
			if err != nil {
				if strict {
					return err
				}
				failures[i] = err
				return nil
			}
			results[i], keys[i] = resp, key
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	entries := make([]Entry, 0, len(results))
	for i, resp := range results {
		if failures[i] != nil {
			w.log.Warn("skipping manifest entry", "entry", w.s.Manifest[i], "err", failures[i])
			continue
		}
		entries = append(entries, Entry{Key: keys[i], Response: resp})
	}

	cache, err := w.reg.Open(w.s.StaticCacheName)
	if err != nil {
		return 0, err
	}
	if err := cache.PutAll(entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (w *Worker) fetchManifestEntry(ctx context.Context, raw string) (*Response, string, error) {
	u, err := resolveLocal(w.s, raw)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", raw, err)
	}
	req := &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
	resp, err := w.net.Fetch(ctx, req, FetchOptions{Reload: true})
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", raw, err)
	}
	if !resp.OK() {
		return nil, "", fmt.Errorf("%s: unexpected status %d", raw, resp.Status)
	}
	return resp, req.Key(), nil
}

// SkipWaiting lets a waiting worker activate without waiting for its
// predecessor's pages to go away.
func (w *Worker) SkipWaiting() {
	w.mu.Lock()
	w.skipWaiting = true
	ready := w.state == StateInstalled
	onReady := w.onReady
	w.mu.Unlock()
	if ready && onReady != nil {
		onReady(w)
	}
}

func (w *Worker) wantsSkipWaiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

// beginActivation moves a waiting worker to activating. Only the first
// caller wins.
func (w *Worker) beginActivation() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateInstalled {
		return false
	}
	w.state = StateActivating
	return true
}

func (w *Worker) handleActivate(ctx context.Context, _ Event) (*Response, error) {
	_, err := w.Activate(ctx)
	return nil, err
}

// Activate evicts stale generations of this app, claims every connected
// page and records this version as active. Cleanup failures are logged;
// the stale caches are retried on the next activation.
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	w.setState(StateActivating)
	w.log.Info("activating")

	var deleted []string
	for _, name := range w.reg.Keys() {
		if !w.isStaleGeneration(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		w.log.Info("deleting old cache", "cache", name)
		if _, err := w.reg.Delete(name); err != nil {
			w.log.Error("failed to delete old cache", "cache", name, "err", err)
			continue
		}
		deleted = append(deleted, name)
	}

	claimed := w.clients.Claim(w.s.Version)

	rec := activeRecord{
		Version:      w.s.Version,
		StaticCache:  w.s.StaticCacheName,
		DynamicCache: w.s.DynamicCacheName,
		ManifestHash: manifestHash(w.s.Manifest),
		ActivatedAt:  time.Now().UnixNano(),
	}
	if err := w.reg.storeRecord(activeRecordName, rec); err != nil {
		w.log.Error("failed to store active record", "err", err)
	}

	w.setState(StateActivated)
	w.log.Info("activated", "deleted", len(deleted), "claimed", claimed)
	return deleted, nil
}

// isStaleGeneration reports whether name belongs to this app but is not one
// of the current generations.
func (w *Worker) isStaleGeneration(name string) bool {
	if name == w.s.StaticCacheName || name == w.s.DynamicCacheName {
		return false
	}
	return strings.HasPrefix(name, w.s.Prefix+"-")
}
