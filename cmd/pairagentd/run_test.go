package main

import (
	"context"
	"path/filepath"
	"testing"

	"PairAgent-Chain/internal/config"
	"PairAgent-Chain/internal/mailbox"
)

func TestOpenTransportMemory(t *testing.T) {
	cfg := &config.Config{Mailbox: config.MailboxConfig{Driver: "memory", Capacity: 1}}
	factory, closeTransport, err := openTransport(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open transport: %v", err)
	}
	defer closeTransport()

	mb, err := factory("agent-a->agent-b")
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	ctx := context.Background()
	if err := mb.Enqueue(ctx, mailbox.NewMessage("x", "1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := mb.Enqueue(ctx, mailbox.NewMessage("x", "2")); err == nil {
		t.Fatalf("capacity should be honoured")
	}
}

func TestOpenRejectsUnknownDrivers(t *testing.T) {
	cfg := &config.Config{
		Mailbox: config.MailboxConfig{Driver: "kafka"},
		Journal: config.JournalConfig{Driver: "sqlite"},
	}
	if _, _, err := openTransport(context.Background(), cfg); err == nil {
		t.Fatalf("expected unknown mailbox driver error")
	}
	if _, err := openJournal(context.Background(), cfg); err == nil {
		t.Fatalf("expected unknown journal driver error")
	}
}

func TestOpenJournalMemoryWritesUnderDataDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transfers.jsonl")
	cfg := &config.Config{Journal: config.JournalConfig{Driver: "memory", Path: path}}
	j, err := openJournal(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()
	entries, err := j.ListLatest(context.Background(), 5)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty journal, got %v %v", entries, err)
	}
}

func TestAPIBaseURL(t *testing.T) {
	cases := map[string]string{
		":8080":          "http://127.0.0.1:8080",
		"10.0.0.5:9000":  "http://10.0.0.5:9000",
		"localhost:8080": "http://localhost:8080",
	}
	for in, want := range cases {
		if got := apiBaseURL(in); got != want {
			t.Fatalf("apiBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}
