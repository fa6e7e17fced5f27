package redisutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"vidvault/internal/testsupport/redisstub"
)

func TestNewClientRequiresAddr(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{Addrs: []string{"  "}}); err == nil {
		t.Fatal("expected error without address")
	}
	if (Config{}).Enabled() {
		t.Fatal("empty config must not be enabled")
	}
}

func TestNewClientPingsServer(t *testing.T) {
	stub, err := redisstub.Start(redisstub.Options{Password: "secret"})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })

	client, err := NewClient(context.Background(), Config{Addr: stub.Addr(), Password: "secret"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	if stub.CommandCount("PING") == 0 {
		t.Fatal("expected PING during construction")
	}

	if _, err := NewClient(context.Background(), Config{Addr: stub.Addr(), Password: "wrong"}); err == nil {
		t.Fatal("expected wrong password to fail")
	}
}

func TestBuildTLSConfig(t *testing.T) {
	cfg, err := buildTLSConfig(TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config, got %v, %v", cfg, err)
	}

	stub, err := redisstub.Start(redisstub.Options{EnableTLS: true})
	if err != nil {
		t.Fatalf("start tls stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	caPath := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(caPath, stub.CertPEM(), 0o600); err != nil {
		t.Fatalf("write ca: %v", err)
	}

	tlsCfg, err := buildTLSConfig(TLSConfig{CAFile: caPath, ServerName: "localhost"})
	if err != nil {
		t.Fatalf("build tls config: %v", err)
	}
	if tlsCfg.RootCAs == nil || tlsCfg.ServerName != "localhost" {
		t.Fatalf("unexpected tls config %+v", tlsCfg)
	}

	client, err := NewClient(context.Background(), Config{Addr: stub.Addr(), TLS: TLSConfig{CAFile: caPath, ServerName: "localhost"}})
	if err != nil {
		t.Fatalf("tls client: %v", err)
	}
	_ = client.Close()

	bad := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(bad, []byte("nope"), 0o600); err != nil {
		t.Fatalf("write bad ca: %v", err)
	}
	if _, err := buildTLSConfig(TLSConfig{CAFile: bad}); err == nil {
		t.Fatal("expected invalid ca to fail")
	}
}
