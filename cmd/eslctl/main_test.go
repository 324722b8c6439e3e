package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shimaore/esl/internal/config"
	"github.com/shimaore/esl/internal/protocol"
	"github.com/shimaore/esl/internal/testutil/fakeswitch"
	"github.com/shimaore/esl/internal/testutil/testlog"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfiggenThenValidate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "eslctl.toml")

	out, err := execute(t, "configgen", "-o", path)
	if err != nil || !strings.Contains(out, path) {
		t.Fatalf("configgen: out=%q err=%v", out, err)
	}
	if _, err := execute(t, "configgen", "-o", path); err == nil {
		t.Fatalf("configgen must not overwrite without --force")
	}

	out, err = execute(t, "validate", path)
	if err != nil || !strings.Contains(out, "config ok: client=127.0.0.1:8021") {
		t.Fatalf("validate: out=%q err=%v", out, err)
	}
	out, err = execute(t, "--config", path, "validate")
	if err != nil || !strings.Contains(out, "config ok") {
		t.Fatalf("validate via --config: out=%q err=%v", out, err)
	}
	if _, err := execute(t, "validate"); err == nil {
		t.Fatalf("validate without a path must fail")
	}
}

func TestConfiggenStdout(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "configgen", "--stdout")
	if err != nil {
		t.Fatalf("configgen: %v", err)
	}
	for _, want := range []string{"[client]", "[server]", "[session]", "[admin]", "[log]", "event_timeout"} {
		if !strings.Contains(out, want) {
			t.Fatalf("template missing %q:\n%s", want, out)
		}
	}
}

func TestRunAPIPrintsBody(t *testing.T) {
	testlog.Start(t)
	ln := fakeswitch.Listen(t)
	cfg := config.Default()
	cfg.Client.Address = ln.Addr()
	cfg.Client.Password = "secret"

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() { done <- runAPI(context.Background(), cfg, "status", false, 2*time.Second, &out) }()

	peer := ln.Accept(0)
	peer.AuthRequest()
	peer.ExpectCommand("auth secret")
	peer.Reply("+OK accepted")
	peer.ExpectCommand("api status")
	peer.APIResponse("UP 0 years, 0 days")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runAPI: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("runAPI did not return")
	}
	if out.String() != "UP 0 years, 0 days\n" {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRunAPIReportsAuthFailure(t *testing.T) {
	testlog.Start(t)
	ln := fakeswitch.Listen(t)
	cfg := config.Default()
	cfg.Client.Address = ln.Addr()

	done := make(chan error, 1)
	go func() { done <- runAPI(context.Background(), cfg, "status", false, 2*time.Second, &bytes.Buffer{}) }()

	peer := ln.Accept(0)
	peer.AuthRequest()
	peer.ExpectCommand("auth ClueCon")
	peer.Reply("-ERR invalid")

	select {
	case err := <-done:
		if !errors.Is(err, protocol.ErrCommandFail) {
			t.Fatalf("expected command failure, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("runAPI did not return")
	}
}

func TestRunAppsStopsAtFirstFailure(t *testing.T) {
	testlog.Start(t)
	var ran []string
	command := func(_ context.Context, app, arg string, _ time.Duration) (*protocol.Event, error) {
		ran = append(ran, app+"="+arg)
		if app == "playback" {
			return nil, errors.New("file not found")
		}
		return &protocol.Event{}, nil
	}
	so := serveOptions{apps: []string{"answer", " ", "set:foo=bar", "playback:/tmp/x.wav", "hangup"}}

	if n := runApps(context.Background(), command, so, log.Logger); n != 2 {
		t.Fatalf("expected 2 completed apps, got %d", n)
	}
	want := []string{"answer=", "set=foo=bar", "playback=/tmp/x.wav"}
	if strings.Join(ran, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected run order %v", ran)
	}
}

func TestExpandEvents(t *testing.T) {
	testlog.Start(t)
	if got := expandEvents([]string{"DTMF"}); len(got) != 1 || got[0] != "DTMF" {
		t.Fatalf("unexpected %v", got)
	}
	all := expandEvents([]string{"CUSTOM", "ALL"})
	if len(all) < 50 {
		t.Fatalf("ALL should expand to every event name, got %d", len(all))
	}
	for _, name := range all {
		if name == protocol.EventAll {
			t.Fatalf("expansion must not contain ALL")
		}
	}
}
