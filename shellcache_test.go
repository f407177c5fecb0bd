package shellcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/fetch"
	"github.com/always-cache/shellcache/pkg/allowlist"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

var testOrigin, _ = url.Parse("https://shell.example")

// fakeFetcher serves canned responses by absolute URL and counts calls.
// Unknown URLs get a 404.
type fakeFetcher struct {
	mutex     sync.Mutex
	responses map[string]*fetch.Response
	errs      map[string]error
	calls     map[string]int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string]*fetch.Response),
		errs:      make(map[string]error),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) respond(rawURL string, typ fetch.Type, status int, body string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.responses[rawURL] = fetch.NewResponse(rawURL, typ, status, body)
}

func (f *fakeFetcher) fail(rawURL string, err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.errs[rawURL] = err
}

func (f *fakeFetcher) count(rawURL string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.calls[rawURL]
}

func (f *fakeFetcher) total() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *http.Request) (*fetch.Response, error) {
	u := fetch.Resolve(*testOrigin, req.URL).String()
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls[u]++
	if err, ok := f.errs[u]; ok {
		return nil, err
	}
	if res, ok := f.responses[u]; ok {
		return res.Clone(), nil
	}
	return fetch.NewResponse(u, fetch.TypeBasic, http.StatusNotFound, "not found"), nil
}

func testAllowList() allowlist.Rules {
	return append(allowlist.Rules{allowlist.PrefixRule("/app/")}, allowlist.HostRules(DefaultTrustedHosts...)...)
}

func createTestWorker(version string, storage cache.Storage, fetcher fetch.Fetcher, manifest ...string) *Worker {
	logger := zerolog.Nop()
	return CreateWorker(Config{
		Version:   version,
		Storage:   storage,
		OriginURL: *testOrigin,
		Manifest:  manifest,
		AllowList: testAllowList(),
		Fetcher:   fetcher,
		Logger:    &logger,
		Metrics:   NewMetrics(),
	})
}

// installedWorker returns an installed and activated worker for the /app/ shell.
func installedWorker(t *testing.T, storage cache.Storage, fetcher *fakeFetcher) *Worker {
	t.Helper()
	fetcher.respond("https://shell.example/app/", fetch.TypeBasic, 200, "shell")
	fetcher.respond("https://shell.example/app/index.html", fetch.TypeBasic, 200, "index")
	w := createTestWorker("v1", storage, fetcher, "/app/", "/app/index.html")
	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if err := w.Activate(context.Background()); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return w
}

func storeKeys(t *testing.T, storage cache.Storage, name string) []string {
	t.Helper()
	store, err := storage.Open(context.Background(), name)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := store.Keys(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return keys
}

func TestInstallCachesManifest(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	fetcher.respond("https://shell.example/app/", fetch.TypeBasic, 200, "shell")
	fetcher.respond("https://shell.example/app/index.html", fetch.TypeBasic, 200, "index")
	w := createTestWorker("v1", storage, fetcher, "/app/", "/app/index.html")

	if err := w.Install(context.Background()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if w.State() != StateInstalled {
		t.Fatalf("State is %s", w.State())
	}
	keys := storeKeys(t, storage, "v1")
	if fmt.Sprint(keys) != "[GET:https://shell.example/app/ GET:https://shell.example/app/index.html]" {
		t.Fatalf("Cache v1 has keys %v", keys)
	}
}

func TestInstallFailsOnFetchError(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	fetcher.respond("https://shell.example/app/", fetch.TypeBasic, 200, "shell")
	fetcher.fail("https://shell.example/app/index.html", errors.New("connection refused"))
	w := createTestWorker("v1", storage, fetcher, "/app/", "/app/index.html")

	if err := w.Install(context.Background()); err == nil {
		t.Fatal("Install succeeded with a failing manifest entry")
	}
	if w.State() != StateRedundant {
		t.Fatalf("State is %s", w.State())
	}
	if has, _ := storage.Has(context.Background(), "v1"); has {
		t.Fatal("Failed install left a cache behind")
	}
	if _, ok, _ := storage.Match(context.Background(), "GET:https://shell.example/app/"); ok {
		t.Fatal("Failed install stored a partial manifest")
	}
}

func TestInstallFailsOnBadStatus(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	fetcher.respond("https://shell.example/app/", fetch.TypeBasic, 200, "shell")
	w := createTestWorker("v1", storage, fetcher, "/app/", "/app/missing.png")

	err := w.Install(context.Background())
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("Install returned %v", err)
	}
}

func TestInstallKeepsExistingCacheOnFailure(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	store, _ := storage.Open(ctx, "v1")
	store.Put(ctx, "GET:https://shell.example/app/", []byte("earlier"))
	fetcher := newFakeFetcher()
	w := createTestWorker("v1", storage, fetcher, "/app/")

	if err := w.Install(ctx); err == nil {
		t.Fatal("Install succeeded")
	}
	if has, _ := storage.Has(ctx, "v1"); !has {
		t.Fatal("Failed install deleted a cache it did not create")
	}
}

func TestInstallTwiceIsInvalid(t *testing.T) {
	w := installedWorker(t, cache.NewMemStorage(), newFakeFetcher())
	if err := w.Install(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Second install returned %v", err)
	}
}

func TestActivateDeletesOldCaches(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	for _, name := range []string{"v0", "other"} {
		store, _ := storage.Open(ctx, name)
		store.Put(ctx, "GET:https://shell.example/app/", []byte(name))
	}
	w := installedWorker(t, storage, newFakeFetcher())

	if w.State() != StateActivated {
		t.Fatalf("State is %s", w.State())
	}
	names, _ := storage.Keys(ctx)
	if fmt.Sprint(names) != "[v1]" {
		t.Fatalf("Caches after activate: %v", names)
	}
	if got := testutil.ToFloat64(w.metrics.cachesDeleted); got != 2 {
		t.Fatalf("Deleted caches metric is %v", got)
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	w := createTestWorker("v1", cache.NewMemStorage(), newFakeFetcher())
	if err := w.Activate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Activate returned %v", err)
	}
}

func TestCacheHitSkipsNetwork(t *testing.T) {
	fetcher := newFakeFetcher()
	w := installedWorker(t, cache.NewMemStorage(), fetcher)
	before := fetcher.total()

	res, handled, err := w.HandleFetch(context.Background(), httptest.NewRequest("GET", "/app/", nil))
	if err != nil || !handled {
		t.Fatalf("HandleFetch returned %v, %v", handled, err)
	}
	if string(res.Body) != "shell" || res.StatusCode != 200 {
		t.Fatalf("Response is %d %s", res.StatusCode, res.Body)
	}
	if fetcher.total() != before {
		t.Fatal("Cache hit went to the network")
	}
	if got := testutil.ToFloat64(w.metrics.requests.WithLabelValues("hit")); got != 1 {
		t.Fatalf("Hit metric is %v", got)
	}
}

func TestNonGetDeclined(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	w := installedWorker(t, storage, fetcher)
	before := fetcher.total()

	for _, method := range []string{"POST", "PUT", "DELETE", "HEAD", "PATCH"} {
		res, handled, err := w.HandleFetch(context.Background(), httptest.NewRequest(method, "/app/", nil))
		if handled || res != nil || err != nil {
			t.Fatalf("%s was handled: %v, %v, %v", method, res, handled, err)
		}
	}
	w.Wait()
	if fetcher.total() != before {
		t.Fatal("Declined request went to the network")
	}
	if keys := storeKeys(t, storage, "v1"); len(keys) != 2 {
		t.Fatalf("Cache has keys %v", keys)
	}
}

func TestMissStoresAllowListedResponse(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	w := installedWorker(t, storage, fetcher)
	fetcher.respond("https://shell.example/app/style.css", fetch.TypeBasic, 200, "body { }")

	res, _, err := w.HandleFetch(context.Background(), httptest.NewRequest("GET", "/app/style.css", nil))
	if err != nil {
		t.Fatal(err)
	}
	w.Wait()
	// the delivered response is still whole after the copy was stored
	if string(res.Body) != "body { }" {
		t.Fatalf("Body is %s", res.Body)
	}
	if keys := storeKeys(t, storage, "v1"); len(keys) != 3 {
		t.Fatalf("Cache has keys %v", keys)
	}
	if got := testutil.ToFloat64(w.metrics.storeWrites.WithLabelValues("ok")); got != 1 {
		t.Fatalf("Store write metric is %v", got)
	}

	res, _, _ = w.HandleFetch(context.Background(), httptest.NewRequest("GET", "/app/style.css", nil))
	if string(res.Body) != "body { }" {
		t.Fatalf("Cached body is %s", res.Body)
	}
	if n := fetcher.count("https://shell.example/app/style.css"); n != 1 {
		t.Fatalf("Network called %d times", n)
	}
}

func TestNotFoundPassedThroughUnstored(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	w := installedWorker(t, storage, fetcher)

	res, handled, err := w.HandleFetch(context.Background(), httptest.NewRequest("GET", "/app/style.css", nil))
	if err != nil || !handled {
		t.Fatalf("HandleFetch returned %v, %v", handled, err)
	}
	w.Wait()
	if res.StatusCode != http.StatusNotFound || string(res.Body) != "not found" {
		t.Fatalf("Response is %d %s", res.StatusCode, res.Body)
	}
	if keys := storeKeys(t, storage, "v1"); len(keys) != 2 {
		t.Fatalf("404 was stored, keys %v", keys)
	}
}

func TestIneligibleResponsesNotStored(t *testing.T) {
	tests := []struct {
		url    string
		typ    fetch.Type
		status int
	}{
		{"https://fonts.gstatic.com/s/inter.woff2", fetch.TypeOpaque, 200},
		{"https://shell.example/app/partial.js", fetch.TypeBasic, 206},
		{"https://shell.example/app/created.js", fetch.TypeBasic, 201},
		{"https://fonts.googleapis.com/css", fetch.TypeCORS, 500},
	}
	for _, tt := range tests {
		storage := cache.NewMemStorage()
		fetcher := newFakeFetcher()
		w := installedWorker(t, storage, fetcher)
		fetcher.respond(tt.url, tt.typ, tt.status, "content")

		res, _, err := w.HandleFetch(context.Background(), httptest.NewRequest("GET", tt.url, nil))
		if err != nil {
			t.Fatal(err)
		}
		w.Wait()
		if res.StatusCode != tt.status || res.Type != tt.typ {
			t.Fatalf("%s: response changed to %d %s", tt.url, res.StatusCode, res.Type)
		}
		if keys := storeKeys(t, storage, "v1"); len(keys) != 2 {
			t.Fatalf("%s: stored, keys %v", tt.url, keys)
		}
	}
}

func TestNotAllowListedNotStored(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	w := installedWorker(t, storage, fetcher)
	fetcher.respond("https://shell.example/api/items", fetch.TypeBasic, 200, "[]")
	fetcher.respond("https://cdn.example.com/lib.js", fetch.TypeCORS, 200, "lib")

	for _, u := range []string{"/api/items", "https://cdn.example.com/lib.js"} {
		res, _, err := w.HandleFetch(context.Background(), httptest.NewRequest("GET", u, nil))
		if err != nil || res.StatusCode != 200 {
			t.Fatalf("%s: %v %v", u, res, err)
		}
	}
	w.Wait()
	if keys := storeKeys(t, storage, "v1"); len(keys) != 2 {
		t.Fatalf("Cache has keys %v", keys)
	}
}

func TestTrustedHostCORSResponseStored(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	w := installedWorker(t, storage, fetcher)
	fetcher.respond("https://fonts.googleapis.com/css2?family=Inter", fetch.TypeCORS, 200, "@font-face {}")

	res, _, err := w.HandleFetch(context.Background(),
		httptest.NewRequest("GET", "https://fonts.googleapis.com/css2?family=Inter", nil))
	if err != nil {
		t.Fatal(err)
	}
	w.Wait()
	if string(res.Body) != "@font-face {}" {
		t.Fatalf("Body is %s", res.Body)
	}
	b, ok, _ := storage.Match(context.Background(), "GET:https://fonts.googleapis.com/css2?family=Inter")
	if !ok || len(b) == 0 {
		t.Fatal("CORS response from trusted host not stored")
	}
}

func TestNetworkFailurePropagates(t *testing.T) {
	fetcher := newFakeFetcher()
	w := installedWorker(t, cache.NewMemStorage(), fetcher)
	netErr := errors.New("no route to host")
	fetcher.fail("https://shell.example/app/app.js", netErr)

	res, handled, err := w.HandleFetch(context.Background(), httptest.NewRequest("GET", "/app/app.js", nil))
	if !handled || res != nil || !errors.Is(err, netErr) {
		t.Fatalf("HandleFetch returned %v, %v, %v", res, handled, err)
	}
	if n := fetcher.count("https://shell.example/app/app.js"); n != 1 {
		t.Fatalf("Network called %d times, expected no retries", n)
	}
}

func TestStoreFailureNotObserved(t *testing.T) {
	ctx := context.Background()
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	w := installedWorker(t, storage, fetcher)
	fetcher.respond("https://shell.example/app/app.js", fetch.TypeBasic, 200, "app")
	// the worker's store disappears underneath it
	storage.Delete(ctx, "v1")

	res, _, err := w.HandleFetch(ctx, httptest.NewRequest("GET", "/app/app.js", nil))
	if err != nil || string(res.Body) != "app" {
		t.Fatalf("HandleFetch returned %v, %v", res, err)
	}
	w.Wait()
	if got := testutil.ToFloat64(w.metrics.storeWrites.WithLabelValues("failed")); got != 1 {
		t.Fatalf("Failed store write metric is %v", got)
	}
	if has, _ := storage.Has(ctx, "v1"); has {
		t.Fatal("Write recreated the deleted cache")
	}
}

func TestRedundantWorkerDoesNotWrite(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	w := installedWorker(t, storage, fetcher)
	fetcher.respond("https://shell.example/app/app.js", fetch.TypeBasic, 200, "app")
	w.retire()

	res, cs, _, err := w.intercept(context.Background(), httptest.NewRequest("GET", "/app/app.js", nil))
	if err != nil || string(res.Body) != "app" {
		t.Fatalf("intercept returned %v, %v", res, err)
	}
	if cs.Stored {
		t.Fatal("Redundant worker scheduled a write")
	}
	w.Wait()
	if keys := storeKeys(t, storage, "v1"); len(keys) != 2 {
		t.Fatalf("Redundant worker wrote, keys %v", keys)
	}
}

func TestWaitAfterRetireWithConcurrentMisses(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	w := installedWorker(t, storage, fetcher)
	for i := 0; i < 4; i++ {
		fetcher.respond(fmt.Sprintf("https://shell.example/app/%d.js", i), fetch.TypeBasic, 200, "js")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				req := httptest.NewRequest("GET", fmt.Sprintf("/app/%d.js", i), nil)
				if _, _, err := w.HandleFetch(context.Background(), req); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	w.retire()
	for i := 0; i < 100; i++ {
		w.Wait()
	}
	wg.Wait()
	w.Wait()

	// nothing is scheduled once the worker is redundant
	fetcher.respond("https://shell.example/app/new.js", fetch.TypeBasic, 200, "js")
	_, cs, _, _ := w.intercept(context.Background(), httptest.NewRequest("GET", "/app/new.js", nil))
	if cs.Stored {
		t.Fatal("Write scheduled after retire")
	}
}

func TestConcurrentMissesSameKey(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	w := installedWorker(t, storage, fetcher)
	fetcher.respond("https://shell.example/app/app.js", fetch.TypeBasic, 200, "app")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := w.HandleFetch(context.Background(), httptest.NewRequest("GET", "/app/app.js", nil))
			if err != nil || string(res.Body) != "app" {
				t.Errorf("HandleFetch returned %v, %v", res, err)
			}
		}()
	}
	wg.Wait()
	w.Wait()
	if keys := storeKeys(t, storage, "v1"); len(keys) != 3 {
		t.Fatalf("Cache has keys %v", keys)
	}
}

func TestDefaultAllowList(t *testing.T) {
	storage := cache.NewMemStorage()
	fetcher := newFakeFetcher()
	fetcher.respond("https://shell.example/listadeuniformes/", fetch.TypeBasic, 200, "shell")
	fetcher.respond("https://shell.example/listadeuniformes/app.js", fetch.TypeBasic, 200, "app")
	fetcher.respond("https://shell.example/app/app.js", fetch.TypeBasic, 200, "app")
	logger := zerolog.Nop()
	w := CreateWorker(Config{
		Version:   DefaultVersion,
		Storage:   storage,
		OriginURL: *testOrigin,
		Manifest:  []string{DefaultBasePath},
		Fetcher:   fetcher,
		Logger:    &logger,
	})
	if err := w.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, u := range []string{"/listadeuniformes/app.js", "/app/app.js"} {
		if _, _, err := w.HandleFetch(context.Background(), httptest.NewRequest("GET", u, nil)); err != nil {
			t.Fatal(err)
		}
	}
	w.Wait()
	keys := storeKeys(t, storage, DefaultVersion)
	if fmt.Sprint(keys) != "[GET:https://shell.example/listadeuniformes/ GET:https://shell.example/listadeuniformes/app.js]" {
		t.Fatalf("Cache has keys %v", keys)
	}
}
