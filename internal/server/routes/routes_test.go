package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/socketkill/nebula/internal/asset"
	"github.com/socketkill/nebula/internal/config"
	"github.com/socketkill/nebula/internal/metrics"
	"github.com/socketkill/nebula/internal/openapi"
)

func TestAssetDiagnosticsListsKinds(t *testing.T) {
	app := fiber.New()
	RegisterAssetRoutes(app, newTestCatalog(t), fixedPending(3))

	resp := doGet(t, app, "/-/assets")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload struct {
		Kinds   []kindPayload `json:"kinds"`
		Pending int           `json:"pending_fetches"`
	}
	decodeBody(t, resp, &payload)
	if payload.Pending != 3 {
		t.Fatalf("expected 3 pending fetches, got %d", payload.Pending)
	}
	if len(payload.Kinds) != 2 || payload.Kinds[0].Kind != "corp" || payload.Kinds[1].Directory != "renders" {
		t.Fatalf("unexpected kinds: %+v", payload.Kinds)
	}
}

func TestRandomBackgroundPicksImage(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nebula.JPG", "jpg")
	writeFile(t, dir, "notes.txt", "txt")
	writeFile(t, dir, "orion.webp", "webp")

	app := fiber.New()
	RegisterBackgroundRoutes(app, BackgroundOptions{
		Dir:           dir,
		PublicBaseURL: "https://api.socketkill.com:2053/",
		Logger:        quietLogger(),
		Pick:          func(n int) int { return n - 1 },
	})

	resp := doGet(t, app, "/random")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var payload map[string]string
	decodeBody(t, resp, &payload)
	if payload["name"] != "orion.webp" {
		t.Fatalf("unexpected pick %q", payload["name"])
	}
	if payload["url"] != "https://api.socketkill.com:2053/images/orion.webp" {
		t.Fatalf("unexpected url %q", payload["url"])
	}
}

func TestRandomBackgroundFailsWhenEmpty(t *testing.T) {
	for name, dir := range map[string]string{
		"missing": filepath.Join(t.TempDir(), "absent"),
		"empty":   t.TempDir(),
	} {
		t.Run(name, func(t *testing.T) {
			app := fiber.New()
			RegisterBackgroundRoutes(app, BackgroundOptions{Dir: dir, Logger: quietLogger()})

			resp := doGet(t, app, "/random")
			if resp.StatusCode != fiber.StatusInternalServerError {
				t.Fatalf("expected 500, got %d", resp.StatusCode)
			}
			body, _ := io.ReadAll(resp.Body)
			if !bytes.Contains(body, []byte(`"No images found"`)) {
				t.Fatalf("unexpected body %s", body)
			}
		})
	}
}

func TestImagesServesFilesWithoutTraversal(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "backgrounds")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, dir, "orion.png", "png-bytes")
	writeFile(t, root, "secret.png", "secret")

	app := fiber.New()
	RegisterBackgroundRoutes(app, BackgroundOptions{Dir: dir, Logger: quietLogger()})

	resp := doGet(t, app, "/images/orion.png")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(fiber.HeaderContentType); got != "image/png" {
		t.Fatalf("unexpected content type %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "png-bytes" {
		t.Fatalf("unexpected body %q", body)
	}

	for _, path := range []string{"/images/..%2Fsecret.png", "/images/missing.png", "/images/.hidden.png", "/images/notes.txt"} {
		resp := doGet(t, app, path)
		if resp.StatusCode != fiber.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestStatsRouteServesWhitelistedSnapshots(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "server_status.json", `{"players":1}`)
	writeFile(t, root, "config.json", `{"secret":true}`)

	app := fiber.New()
	RegisterStatsRoutes(app, root)

	resp := doGet(t, app, "/stats/server_status")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(fiber.HeaderContentType); !strings.HasPrefix(got, "application/json") {
		t.Fatalf("unexpected content type %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"players":1}` {
		t.Fatalf("unexpected body %s", body)
	}

	if resp := doGet(t, app, "/stats/config"); resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("unknown snapshot should be 404, got %d", resp.StatusCode)
	}
	resp = doGet(t, app, "/stats/npc_kills")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("missing snapshot should be 404, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get(fiber.HeaderCacheControl); got != "no-store" {
		t.Fatalf("missing snapshot must not be cached, got %q", got)
	}
}

func TestOpenAPIRoute(t *testing.T) {
	app := fiber.New()
	if err := RegisterOpenAPIRoute(app, openapi.Build(newTestCatalog(t), "http://localhost:8080")); err != nil {
		t.Fatalf("register: %v", err)
	}

	resp := doGet(t, app, "/openapi.json")
	var doc openapi.Document
	decodeBody(t, resp, &doc)
	if doc.OpenAPI != "3.0.0" {
		t.Fatalf("unexpected openapi version %q", doc.OpenAPI)
	}
	if _, ok := doc.Paths["/render/ship/{id}"]; !ok {
		t.Fatalf("render path missing from document")
	}
}

func TestMetricsRouteExposesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.AssetRequests.WithLabelValues(metrics.ResultDisk).Inc()

	app := fiber.New()
	RegisterMetricsRoute(app, reg)

	resp := doGet(t, app, "/-/metrics")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(`nebula_asset_requests_total{result="disk"} 1`)) {
		t.Fatalf("metric missing from output: %s", body)
	}
}

type fixedPending int

func (p fixedPending) Pending() int { return int(p) }

func doGet(t *testing.T, app *fiber.App, path string) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestCatalog(t *testing.T) *asset.Catalog {
	t.Helper()
	catalog, err := asset.NewCatalog(&config.Config{
		Global: config.GlobalConfig{StoragePath: t.TempDir()},
		Assets: config.DefaultAssets(),
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return catalog
}
