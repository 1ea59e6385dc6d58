package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetOrFetchPersistsOriginBytes(t *testing.T) {
	payload := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 512)
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/types/603/render" || r.URL.Query().Get("size") != "64" {
			t.Errorf("unexpected upstream request %s", r.URL.String())
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer upstream.Close()

	env := newTestEnv(t, NewHTTPOrigin(upstream.Client(), "nebula-test"), 0)
	req := env.request("ship_603", "renders", "603.png", upstream.URL+"/types/603/render?size=64")

	source, err := env.cache.GetOrFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("GetOrFetch error: %v", err)
	}
	if source != SourceOrigin {
		t.Fatalf("expected origin source, got %s", source)
	}
	got, err := os.ReadFile(req.LocalPath)
	if err != nil {
		t.Fatalf("read cached file: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("cached bytes mismatch: got %d bytes", len(got))
	}
	if env.registry.Pending("ship_603") {
		t.Fatalf("registry should be empty after success")
	}

	source, err = env.cache.GetOrFetch(context.Background(), req)
	if err != nil || source != SourceDisk {
		t.Fatalf("expected disk hit, got source=%s err=%v", source, err)
	}
	if hits.Load() != 1 {
		t.Fatalf("cache hit must not reach origin, hits=%d", hits.Load())
	}
}

func TestGetOrFetchCoalescesStaggeredCalls(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		_, _ = w.Write([]byte("render"))
	}))
	defer upstream.Close()

	env := newTestEnv(t, NewHTTPOrigin(upstream.Client(), ""), 0)
	req := env.request("ship_603", "renders", "603.png", upstream.URL+"/types/603/render?size=64")

	results := make(chan error, 2)
	go func() {
		_, err := env.cache.GetOrFetch(context.Background(), req)
		results <- err
	}()
	time.Sleep(5 * time.Millisecond)
	go func() {
		_, err := env.cache.GetOrFetch(context.Background(), req)
		results <- err
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if err != nil {
				t.Fatalf("call %d failed: %v", i, err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("call %d did not complete", i)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one origin request, got %d", hits.Load())
	}
}

func TestGetOrFetchUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("esi down"))
	}))
	defer upstream.Close()

	env := newTestEnv(t, NewHTTPOrigin(upstream.Client(), ""), 0)
	req := env.request("ship_603", "renders", "603.png", upstream.URL+"/types/603/render?size=64")

	_, err := env.cache.GetOrFetch(context.Background(), req)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if KindOf(err) != KindUpstream {
		t.Fatalf("expected upstream kind, got %q (%v)", KindOf(err), err)
	}
	var fetchErr *FetchError
	if !errors.As(err, &fetchErr) || fetchErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected status 500 in error, got %v", err)
	}
	if _, statErr := os.Stat(req.LocalPath); !os.IsNotExist(statErr) {
		t.Fatalf("no file expected after failure, stat=%v", statErr)
	}
	if env.registry.Pending("ship_603") {
		t.Fatalf("registry must not keep failed key")
	}
	assertNoTempFiles(t, env.disk.Dir("renders"))
}

func TestGetOrFetchNetworkFailure(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	env := newTestEnv(t, NewHTTPOrigin(&http.Client{Timeout: time.Second}, ""), 0)
	req := env.request("corp_1000001", "corps", "1000001.png", addr+"/corporations/1000001/logo?size=64")

	_, err := env.cache.GetOrFetch(context.Background(), req)
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network kind, got %q (%v)", KindOf(err), err)
	}
}

func TestGetOrFetchTruncatedBodyIsNetworkFailure(t *testing.T) {
	origin := &fakeOrigin{body: []byte("abc"), size: 10}
	env := newTestEnv(t, origin, 0)
	req := env.request("ship_603", "renders", "603.png", "https://images.example/types/603/render")

	_, err := env.cache.GetOrFetch(context.Background(), req)
	if KindOf(err) != KindNetwork {
		t.Fatalf("expected network kind, got %q (%v)", KindOf(err), err)
	}
	if env.disk.Exists(req.LocalPath) {
		t.Fatalf("truncated body must not be committed")
	}
}

func TestGetOrFetchStorageFailure(t *testing.T) {
	env := newTestEnv(t, &fakeOrigin{body: []byte("render")}, 0)
	req := env.request("ship_603", "renders", "603.png", "https://images.example/types/603/render")
	// 目标路径被目录占用，rename 会失败。
	if err := os.Mkdir(req.LocalPath, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(req.LocalPath, "keep"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := env.cache.GetOrFetch(context.Background(), req)
	if KindOf(err) != KindStorage {
		t.Fatalf("expected storage kind, got %q (%v)", KindOf(err), err)
	}
	assertNoTempFiles(t, env.disk.Dir("renders"))
}

func TestGetOrFetchBroadcastsOutcomeToJoiners(t *testing.T) {
	for _, tc := range []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"success", http.StatusOK, false},
		{"failure", http.StatusBadGateway, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			origin := &fakeOrigin{body: []byte("render"), status: tc.status, gate: make(chan struct{})}
			env := newTestEnv(t, origin, 0)
			req := env.request("ship_603", "renders", "603.png", "https://images.example/types/603/render")

			const callers = 16
			var wg sync.WaitGroup
			errs := make([]error, callers)
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, errs[i] = env.cache.GetOrFetch(context.Background(), req)
				}(i)
			}

			waitFor(t, func() bool { return origin.opens() == 1 })
			time.Sleep(20 * time.Millisecond)
			close(origin.gate)
			wg.Wait()

			if origin.opens() != 1 {
				t.Fatalf("expected a single origin open, got %d", origin.opens())
			}
			for i, err := range errs {
				if tc.wantErr && KindOf(err) != KindUpstream {
					t.Fatalf("caller %d: expected upstream failure, got %v", i, err)
				}
				if !tc.wantErr && err != nil {
					t.Fatalf("caller %d: unexpected error %v", i, err)
				}
			}
			if env.registry.Len() != 0 {
				t.Fatalf("registry should be empty, has %d", env.registry.Len())
			}
		})
	}
}

func TestGetOrFetchRetriesAfterFailure(t *testing.T) {
	origin := &fakeOrigin{body: []byte("render"), status: http.StatusServiceUnavailable}
	env := newTestEnv(t, origin, 0)
	req := env.request("ship_603", "renders", "603.png", "https://images.example/types/603/render")

	if _, err := env.cache.GetOrFetch(context.Background(), req); err == nil {
		t.Fatalf("expected first call to fail")
	}
	origin.setStatus(http.StatusOK)
	source, err := env.cache.GetOrFetch(context.Background(), req)
	if err != nil {
		t.Fatalf("retry should succeed: %v", err)
	}
	if source != SourceOrigin {
		t.Fatalf("expected fresh origin fetch, got %s", source)
	}
	if origin.opens() != 2 {
		t.Fatalf("expected 2 origin opens, got %d", origin.opens())
	}
}

func TestGetOrFetchNegativeCache(t *testing.T) {
	origin := &fakeOrigin{body: []byte("render"), status: http.StatusNotFound}
	env := newTestEnv(t, origin, time.Minute)
	req := env.request("ship_1", "renders", "1.png", "https://images.example/types/1/render")

	_, first := env.cache.GetOrFetch(context.Background(), req)
	if KindOf(first) != KindUpstream {
		t.Fatalf("expected upstream failure, got %v", first)
	}
	source, err := env.cache.GetOrFetch(context.Background(), req)
	if source != SourceNegative || KindOf(err) != KindUpstream {
		t.Fatalf("expected negative hit, got source=%s err=%v", source, err)
	}
	if origin.opens() != 1 {
		t.Fatalf("negative hit must not reach origin, opens=%d", origin.opens())
	}
}

func TestGetOrFetchJoinerCancelDoesNotAbortFetch(t *testing.T) {
	origin := &fakeOrigin{body: []byte("render"), gate: make(chan struct{})}
	env := newTestEnv(t, origin, 0)
	req := env.request("ship_603", "renders", "603.png", "https://images.example/types/603/render")

	ownerCtx, cancelOwner := context.WithCancel(context.Background())
	ownerDone := make(chan error, 1)
	go func() {
		_, err := env.cache.GetOrFetch(ownerCtx, req)
		ownerDone <- err
	}()
	waitFor(t, func() bool { return origin.opens() == 1 })

	joinCtx, cancelJoin := context.WithCancel(context.Background())
	joinDone := make(chan error, 1)
	go func() {
		_, err := env.cache.GetOrFetch(joinCtx, req)
		joinDone <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancelJoin()
	if err := <-joinDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("joiner should observe its own cancellation, got %v", err)
	}

	cancelOwner()
	close(origin.gate)
	if err := <-ownerDone; err != nil {
		t.Fatalf("owner fetch should finish despite cancellation: %v", err)
	}
	if !env.disk.Exists(req.LocalPath) {
		t.Fatalf("file should be persisted")
	}
}

func TestGetOrFetchRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t, &fakeOrigin{body: []byte("x")}, 0)
	valid := env.request("ship_603", "renders", "603.png", "https://images.example/types/603/render")

	cases := map[string]AssetRequest{
		"empty key":     {Key: "", LocalPath: valid.LocalPath, RemoteURL: valid.RemoteURL},
		"foreign path":  {Key: "ship_603", LocalPath: filepath.Join(t.TempDir(), "603.png"), RemoteURL: valid.RemoteURL},
		"relative url":  {Key: "ship_603", LocalPath: valid.LocalPath, RemoteURL: "/types/603/render"},
		"unknown proto": {Key: "ship_603", LocalPath: valid.LocalPath, RemoteURL: "ftp://images.example/603"},
	}
	for name, req := range cases {
		if _, err := env.cache.GetOrFetch(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
}

type testEnv struct {
	disk     *DiskStore
	registry *PendingFetchRegistry
	cache    *AssetCache
}

func newTestEnv(t *testing.T, origin Origin, negativeTTL time.Duration) *testEnv {
	t.Helper()
	disk := newTestDisk(t)
	registry := NewPendingFetchRegistry()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cache, err := NewAssetCache(Options{
		Disk:        disk,
		Registry:    registry,
		Fetcher:     NewRemoteFetcher(origin, disk),
		Logger:      logger,
		NegativeTTL: negativeTTL,
	})
	if err != nil {
		t.Fatalf("failed to create asset cache: %v", err)
	}
	t.Cleanup(cache.Close)
	return &testEnv{disk: disk, registry: registry, cache: cache}
}

func (e *testEnv) request(key, dir, name, remote string) AssetRequest {
	return AssetRequest{
		Key:       key,
		LocalPath: filepath.Join(e.disk.Dir(dir), name),
		RemoteURL: remote,
	}
}

// fakeOrigin 记录 Open 次数；gate 非空时 Open 会阻塞到 gate 关闭。
type fakeOrigin struct {
	mu     sync.Mutex
	count  int
	status int
	body   []byte
	size   int64
	gate   chan struct{}
}

func (o *fakeOrigin) Open(ctx context.Context, rawURL string) (*Stream, error) {
	o.mu.Lock()
	o.count++
	status, body, size, gate := o.status, o.body, o.size, o.gate
	o.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if status != 0 && status != http.StatusOK {
		return nil, &FetchError{Kind: KindUpstream, URL: rawURL, Status: status, Err: ErrUpstreamStatus}
	}
	if size == 0 {
		size = int64(len(body))
	}
	return &Stream{Body: io.NopCloser(bytes.NewReader(body)), Size: size}, nil
}

func (o *fakeOrigin) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

func (o *fakeOrigin) setStatus(status int) {
	o.mu.Lock()
	o.status = status
	o.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
