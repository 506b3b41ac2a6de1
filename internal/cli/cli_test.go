package cli

import (
	"bytes"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"

	"taskboard/api"
	"taskboard/completion"
	"taskboard/internal/config"
)

func TestParseRedisOptions(t *testing.T) {
	tests := []struct {
		name     string
		conn     string
		addr     string
		password string
		tls      bool
	}{
		{name: "url", conn: "redis://:pw@localhost:6380/0", addr: "localhost:6380", password: "pw"},
		{name: "azure", conn: "cache.redis.cache.windows.net:6380,password=secret,ssl=True,abortConnect=False", addr: "cache.redis.cache.windows.net:6380", password: "secret", tls: true},
		{name: "bare", conn: "localhost:6379", addr: "localhost:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := parseRedisOptions(tt.conn)
			if opts.Addr != tt.addr {
				t.Fatalf("unexpected addr: %s", opts.Addr)
			}
			if opts.Password != tt.password {
				t.Fatalf("unexpected password: %q", opts.Password)
			}
			if (opts.TLSConfig != nil) != tt.tls {
				t.Fatalf("unexpected tls config: %v", opts.TLSConfig)
			}
		})
	}
}

func TestConfigureLogging(t *testing.T) {
	logger := log.New()
	configureLogging(logger, &config.Config{Debug: true, LogFormat: "JSON"})
	if logger.GetLevel() != log.DebugLevel {
		t.Fatalf("expected debug level, got %v", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*log.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", logger.Formatter)
	}
}

func TestNewBackendMemory(t *testing.T) {
	be, err := newBackend(&config.Config{StoreBackend: config.BackendMemory}, nil)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if be.local == nil {
		t.Fatalf("expected local blobs to be served")
	}
	if got := be.local.URL("users/u/files/1_a.png"); got != "/blobs/users/u/files/1_a.png" {
		t.Fatalf("unexpected blob url: %s", got)
	}
}

func TestNewCompleter(t *testing.T) {
	if _, ok := newCompleter(&config.Config{AI: config.AIConfig{Provider: config.ProviderStatic}}).(completion.Static); !ok {
		t.Fatalf("expected static completer")
	}
	if _, ok := newCompleter(&config.Config{AI: config.AIConfig{Provider: config.ProviderOpenAI, APIKey: "k"}}).(*completion.OpenAI); !ok {
		t.Fatalf("expected openai completer")
	}
}

func TestTokenCommandMintsVerifiableToken(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("LOCAL_AUTH_SHARED_SECRET", "dev-secret")
	t.Setenv("AUTH0_AUDIENCE", "")

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "alice"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	uid, err := api.NewLocalAuth([]byte("dev-secret"), "").UserIDFromBearer(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if uid != "alice" {
		t.Fatalf("unexpected user id: %s", uid)
	}
}
