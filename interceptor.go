package shellcache

import (
	"context"
	"net/http"

	"github.com/always-cache/shellcache/fetch"
	serializer "github.com/always-cache/shellcache/pkg/response-serializer"
	"github.com/always-cache/shellcache/rfc9211"
)

// HandleFetch applies the cache-first policy to a request.
// It returns handled == false for requests the worker declines (anything but GET);
// those should go to the network untouched.
// A network failure on a cache miss is returned as err, without fallback.
func (w *Worker) HandleFetch(ctx context.Context, r *http.Request) (res *fetch.Response, handled bool, err error) {
	res, _, handled, err = w.intercept(ctx, r)
	return res, handled, err
}

func (w *Worker) intercept(ctx context.Context, r *http.Request) (*fetch.Response, rfc9211.CacheStatus, bool, error) {
	cs := rfc9211.CacheStatus{}
	if r.Method != http.MethodGet {
		cs.Forward(rfc9211.FwdReasonMethod)
		return nil, cs, false, nil
	}

	key := w.keyer.GetKey(r)
	if res, ok := w.match(ctx, key); ok {
		cs.Hit()
		w.metrics.RecordRequest("hit")
		return res, cs, true, nil
	}

	cs.Forward(rfc9211.FwdReasonUriMiss)
	res, err := w.fetcher.Fetch(ctx, r)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Fetching failed")
		w.metrics.RecordRequest("error")
		cs.Detail = "network-error"
		return nil, cs, true, err
	}
	w.metrics.RecordRequest("miss")
	cs.FwdStatus = res.StatusCode

	if !storable(res) {
		w.log.Trace().Str("key", key).Int("status", res.StatusCode).Str("type", string(res.Type)).
			Msg("Response not storable")
		return res, cs, true, nil
	}
	if w.allow.Allows(w.origin, fetch.Resolve(w.origin, r.URL)) {
		cs.Stored = w.putInBackground(key, res.Clone())
	}
	return res, cs, true, nil
}

// storable reports whether a network response is a plain success we can validate.
// Opaque responses and anything but 200 are never stored.
func storable(res *fetch.Response) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	return res.Type == fetch.TypeBasic || res.Type == fetch.TypeCORS
}

// match looks the key up in all cache stores. Storage errors count as a miss.
func (w *Worker) match(ctx context.Context, key string) (*fetch.Response, bool) {
	w.log.Trace().Str("key", key).Msg("Getting cached entry")
	bytes, ok, err := w.storage.Match(ctx, key)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not retrieve from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	res, err := serializer.BytesToResponse(bytes)
	if err != nil {
		w.log.Error().Err(err).Str("key", key).Msg("Could not read cached response")
		return nil, false
	}
	return res, true
}

// putInBackground writes to the cache without making the caller wait.
// Errors are logged and counted. It reports false if the worker is redundant
// and nothing was scheduled; once redundant, Wait is not raced by new writes.
func (w *Worker) putInBackground(key string, res *fetch.Response) bool {
	w.mutex.Lock()
	if w.state == StateRedundant {
		w.mutex.Unlock()
		w.log.Trace().Str("key", key).Msg("Worker redundant, not writing to cache")
		return false
	}
	w.pending.Add(1)
	w.mutex.Unlock()

	go func() {
		defer w.pending.Done()
		if err := w.put(context.Background(), key, res); err != nil {
			w.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
			w.metrics.RecordStoreWrite("failed")
			return
		}
		w.metrics.RecordStoreWrite("ok")
	}()
	return true
}

// put writes through the store handle opened on install, so a store deleted by
// a newer version's activation is not recreated.
func (w *Worker) put(ctx context.Context, key string, res *fetch.Response) error {
	store := w.cacheStore()
	if store == nil {
		var err error
		if store, err = w.storage.Open(ctx, w.version); err != nil {
			return err
		}
	}
	bytes, err := serializer.ResponseToBytes(res)
	if err != nil {
		return err
	}
	w.log.Trace().Str("key", key).Msg("Writing to cache")
	return store.Put(ctx, key, bytes)
}
