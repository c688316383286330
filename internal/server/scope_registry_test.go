package server

import (
	"io"
	"net/http"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/eternlty/offline-cache/internal/cache"
	"github.com/eternlty/offline-cache/internal/config"
	"github.com/eternlty/offline-cache/internal/preset"
)

func twoScopeConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Scopes: []config.ScopeConfig{
			{
				Name:         "blog",
				Domain:       "blog.local",
				Scheme:       "https",
				Upstream:     "http://127.0.0.1:4000",
				Preset:       "blog",
				CacheVersion: "v1",
			},
			{
				Name:          "docs",
				Domain:        "Docs.Local",
				Scheme:        "https",
				Upstream:      "https://docs.example.com",
				Proxy:         "http://proxy.internal:3128",
				CacheVersion:  "v7",
				InstallPolicy: "all-or-nothing",
			},
		},
	}
}

func TestScopeRegistryLookupByHost(t *testing.T) {
	cfg := twoScopeConfig()
	registry, err := NewScopeRegistry(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("blog.local")
	if !ok {
		t.Fatalf("expected blog route")
	}
	if route.Config.Name != "blog" || route.PresetKey != "blog" {
		t.Fatalf("wrong scope returned: %s/%s", route.Config.Name, route.PresetKey)
	}
	if route.Profile.InstallPolicy != preset.PolicyAllOrNothing {
		t.Fatalf("blog preset should be all-or-nothing, got %s", route.Profile.InstallPolicy)
	}
	if route.UpstreamURL.String() != "http://127.0.0.1:4000" {
		t.Errorf("unexpected upstream URL: %s", route.UpstreamURL)
	}
	if route.ProxyURL != nil {
		t.Errorf("expected nil proxy")
	}
	if route.ListenPort != cfg.Global.ListenPort {
		t.Fatalf("route listen port mismatch: %d", route.ListenPort)
	}

	docs, ok := registry.Lookup("docs.local:6000")
	if !ok {
		t.Fatalf("lookup should be case-insensitive and ignore the port")
	}
	if docs.PresetKey != preset.DefaultKey() || docs.ProxyURL == nil {
		t.Fatalf("docs route should use default preset and proxy: %+v", docs)
	}
	if docs.Profile.InstallPolicy != preset.PolicyAllOrNothing {
		t.Fatalf("scope policy override should win, got %s", docs.Profile.InstallPolicy)
	}

	if _, ok := registry.LookupName("docs"); !ok {
		t.Fatalf("expected lookup by name")
	}
	if got := len(registry.List()); got != 2 {
		t.Fatalf("expected 2 routes in list, got %d", got)
	}
}

func TestScopeRegistryRejectsDuplicateDomains(t *testing.T) {
	cfg := twoScopeConfig()
	cfg.Scopes[1].Domain = "BLOG.local"
	if _, err := NewScopeRegistry(cfg, nil); err == nil {
		t.Fatalf("expected duplicate domain error")
	}
}

func TestScopeRegistryBuildsRegistrations(t *testing.T) {
	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	registry, err := NewScopeRegistry(twoScopeConfig(), NewRegistrationBuilder(RegistrationDeps{
		Store:       store,
		Client:      &http.Client{},
		Logger:      logger,
		Concurrency: 2,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, route := range registry.List() {
		if route.Registration == nil {
			t.Fatalf("scope %s should have a registration", route.Config.Name)
		}
		if route.Registration.Name() != route.Config.Name {
			t.Fatalf("registration name mismatch: %s", route.Registration.Name())
		}
		if route.Registration.Active() != nil {
			t.Fatalf("registrations start without an active generation")
		}
	}
	registry.Wait()
}
