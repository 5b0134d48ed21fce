package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kardianos/qtrigger"
	"github.com/kardianos/qtrigger/qauth"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBindServeConfig(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	err := v.ReadConfig(strings.NewReader(`
port: 2500
max-request-size: 1MiB
rate-limit: 5
clients:
  - secret_key: k1
    ip: 10.0.0.1
  - secret_key: k2
    language: go
`))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := bindServeConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 2500 || cfg.RateLimit != 5 {
		t.Fatalf("port=%d rate=%d", cfg.Port, cfg.RateLimit)
	}
	if cfg.MaxRequestBytes != 1<<20 {
		t.Fatalf("max request = %d", cfg.MaxRequestBytes)
	}
	if len(cfg.Clients) != 2 {
		t.Fatalf("clients = %+v", cfg.Clients)
	}
	if cfg.Clients[0].SecretKey != "k1" || cfg.Clients[0].IP != "10.0.0.1" || cfg.Clients[1].Language != "go" {
		t.Fatalf("clients = %+v", cfg.Clients)
	}

	v.Set("tls-cert", "cert.pem")
	if _, err := bindServeConfig(v); err == nil {
		t.Fatal("expected error for tls-cert without tls-key")
	}
	v.Set("tls-cert", "")
	v.Set("max-request-size", "lots")
	if _, err := bindServeConfig(v); err == nil {
		t.Fatal("expected error for bad size")
	}
}

func TestClientsCommand(t *testing.T) {
	db := filepath.Join(t.TempDir(), "clients.db")

	out, err := run(t, "clients", "add", "--clients-db", db, "--secret-key", "s1", "--ip", "10.1.1.1")
	if err != nil {
		t.Fatal(err)
	}
	id := strings.TrimSpace(out)
	if id != qauth.FingerprintHex("s1") {
		t.Fatalf("id = %q", id)
	}
	if _, err := run(t, "clients", "add", "--clients-db", db); err == nil {
		t.Fatal("expected error for missing secret key")
	}

	out, err = run(t, "clients", "list", "--clients-db", db)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "10.1.1.1") {
		t.Fatalf("list output:\n%s", out)
	}

	if _, err := run(t, "clients", "rm", "--clients-db", db, id); err != nil {
		t.Fatal(err)
	}
	out, err = run(t, "clients", "list", "--clients-db", db)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, id) {
		t.Fatalf("client not removed:\n%s", out)
	}
	if _, err := run(t, "clients", "remove", "--clients-db", db, id); err == nil {
		t.Fatal("expected error removing unknown client")
	}
}

func TestCertCommand(t *testing.T) {
	dir := t.TempDir()
	if _, err := run(t, "cert", "--host", "127.0.0.1", "--out", dir); err != nil {
		t.Fatal(err)
	}
	if _, err := qtrigger.LoadTLSConfig(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")); err != nil {
		t.Fatal(err)
	}
}

func TestServeAndCall(t *testing.T) {
	db := filepath.Join(t.TempDir(), "clients.db")
	if _, err := run(t, "clients", "add", "--clients-db", db, "--secret-key", "stored"); err != nil {
		t.Fatal(err)
	}
	schemas := filepath.Join(t.TempDir(), "schemas.yaml")
	err := os.WriteFile(schemas, []byte(`
ping:
  type: object
  required: [text]
  properties:
    text:
      type: string
`), 0600)
	if err != nil {
		t.Fatal(err)
	}

	a := &app{v: viper.New(), logger: pslog.NoopLogger()}
	srv, collector, err := a.newServer(serveConfig{
		Clients:   []qauth.Client{{SecretKey: "configured"}},
		ClientsDB: db,
		Schemas:   schemas,
		RateLimit: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if collector != nil {
		t.Fatal("metrics collector created without a listen address")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Error(err)
		}
	})
	addr := ln.Addr().String()

	out, err := run(t, "call", "--addr", addr, "--secret-key", "configured", "add", `{"a":1,"b":2}`)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "3" {
		t.Fatalf("add = %q", out)
	}

	out, err = run(t, "call", "--addr", addr, "--secret-key", "stored", "--tunnel", "echo", `{"text":"hi"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"text": "hi"`) {
		t.Fatalf("echo = %q", out)
	}

	out, err = run(t, "call", "--addr", addr, "--secret-key", "stored", "ping", `{"text":"hi"}`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"pong": true`) {
		t.Fatalf("ping = %q", out)
	}
	if _, err := run(t, "call", "--addr", addr, "--secret-key", "stored", "ping", `{"text":1}`); err == nil {
		t.Fatal("expected schema error")
	}
	// Schemas apply to the payload as sent, so a tunneled payload cannot
	// satisfy a trigger that requires fields.
	if _, err := run(t, "call", "--addr", addr, "--secret-key", "stored", "--tunnel", "ping", `{"text":"hi"}`); err == nil {
		t.Fatal("expected schema error for tunneled payload")
	}
	if _, err := run(t, "call", "--addr", addr, "--secret-key", "wrong", "ping"); err == nil {
		t.Fatal("expected authentication error")
	}
	if _, err := run(t, "call", "--addr", addr, "add", "not json"); err == nil {
		t.Fatal("expected payload error")
	}
}
