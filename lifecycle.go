package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/always-cache/shellcache/cache"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

var ErrBadResponse = errors.New("bad response status")

// Install opens the worker's cache store and fills it with the manifest.
// All manifest entries are fetched before anything is written; if any fetch
// fails or returns a non-2xx status, nothing is stored and the worker becomes redundant.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateParsed, StateInstalling); err != nil {
		return fmt.Errorf("install %s: %w", w.version, err)
	}
	if err := w.install(ctx); err != nil {
		w.setState(StateRedundant)
		w.metrics.RecordLifecycle("install", "failed")
		w.log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("install %s: %w", w.version, err)
	}
	w.setState(StateInstalled)
	w.metrics.RecordLifecycle("install", "ok")
	w.log.Info().Int("entries", len(w.manifest)).Msg("Installed")
	return nil
}

func (w *Worker) install(ctx context.Context) (err error) {
	existed, err := w.storage.Has(ctx, w.version)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	store, err := w.storage.Open(ctx, w.version)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	w.log.Debug().Str("cache", store.Name()).Msg("Opened cache")
	defer func() {
		// do not leave an empty store behind for a failed version
		if err != nil && !existed {
			if _, delErr := w.storage.Delete(context.Background(), w.version); delErr != nil {
				w.log.Error().Err(delErr).Msg("Could not delete cache of failed install")
			}
		}
	}()

	entries := make([]cache.Entry, len(w.manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range w.manifest {
		i, path := i, path
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, path, nil)
			if err != nil {
				return fmt.Errorf("create request for %s: %w", path, err)
			}
			res, err := w.fetcher.Fetch(gctx, req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", path, err)
			}
			if !res.OK() {
				return fmt.Errorf("fetch %s: %w: %d", path, ErrBadResponse, res.StatusCode)
			}
			bytes, err := serializer.ResponseToBytes(res)
			if err != nil {
				return fmt.Errorf("serialize %s: %w", path, err)
			}
			entries[i] = cache.Entry{Key: w.keyer.GetKey(req), Bytes: bytes}
			w.log.Trace().Str("url", res.URL).Msg("Fetched manifest entry")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := store.PutAll(ctx, entries); err != nil {
		return err
	}
	w.mutex.Lock()
	w.store = store
	w.mutex.Unlock()
	return nil
}

// Resume adopts a store left behind by an earlier install of the same version,
// e.g. in a database reopened after a restart, and moves the worker to installed
// without touching the network. It reports false, leaving the worker parsed, if
// the store is missing or lacks any manifest entry.
func (w *Worker) Resume(ctx context.Context) (bool, error) {
	if w.State() != StateParsed {
		return false, fmt.Errorf("resume %s: %w", w.version, ErrInvalidState)
	}
	has, err := w.storage.Has(ctx, w.version)
	if err != nil || !has {
		return false, err
	}
	store, err := w.storage.Open(ctx, w.version)
	if err != nil {
		return false, fmt.Errorf("open cache: %w", err)
	}
	for _, path := range w.manifest {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
		if err != nil {
			return false, fmt.Errorf("create request for %s: %w", path, err)
		}
		_, ok, err := store.Match(ctx, w.keyer.GetKey(req))
		if err != nil {
			return false, err
		}
		if !ok {
			w.log.Debug().Str("path", path).Msg("Stored cache incomplete, not resuming")
			return false, nil
		}
	}
	if err := w.transition(StateParsed, StateInstalled); err != nil {
		return false, err
	}
	w.mutex.Lock()
	w.store = store
	w.mutex.Unlock()
	w.metrics.RecordLifecycle("resume", "ok")
	w.log.Info().Int("entries", len(w.manifest)).Msg("Resumed installed cache")
	return true, nil
}

// Activate deletes every cache store not named by the worker's version.
// Claiming clients is left to the Container.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateInstalled, StateActivating); err != nil {
		return fmt.Errorf("activate %s: %w", w.version, err)
	}
	if err := w.deleteStaleCaches(ctx); err != nil {
		w.setState(StateInstalled)
		w.metrics.RecordLifecycle("activate", "failed")
		w.log.Error().Err(err).Msg("Activate failed")
		return fmt.Errorf("activate %s: %w", w.version, err)
	}
	w.setState(StateActivated)
	w.metrics.RecordLifecycle("activate", "ok")
	w.log.Info().Msg("Activated")
	return nil
}

func (w *Worker) deleteStaleCaches(ctx context.Context) error {
	names, err := w.storage.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range names {
		if name == w.version {
			continue
		}
		w.log.Info().Str("cache", name).Msg("Deleting old cache")
		if _, err := w.storage.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete cache %s: %w", name, err)
		}
		w.metrics.RecordCacheDeleted()
	}
	return nil
}

// retire marks a replaced worker redundant. Redundant workers no longer write to the cache.
func (w *Worker) retire() {
	w.setState(StateRedundant)
	w.log.Debug().Msg("Retired")
}
