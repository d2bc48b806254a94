package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func nicheScore(bundle TagRuleBundle, phrase string) int {
	for _, rule := range bundle.Tables[TableNiche] {
		if rule.Phrase == phrase {
			return rule.Score
		}
	}
	return 0
}

func TestWatchTagRulesFileReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	rulesFile := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(rulesFile, []byte("tables:\n  niche:\n    - phrase: dinosaur\n      score: 6\n"), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  tags:\n    rulesFile: %s\ntagRules:\n  categories:\n    books:\n      rules:\n        - phrase: bedtime story\n          score: 8\n"
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, rulesFile)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	cfg, err := NewLoader("LISTINGKIT", serverCfg).Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan TagRuleBundle, 4)
	errCh := make(chan error, 1)

	watcher, err := WatchTagRules(ctx, cfg, func(bundle TagRuleBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		if len(bundle.Categories["books"].Rules) != 1 {
			t.Fatalf("inline rule missing on initial load: %v", bundle.Categories)
		}
		if got := nicheScore(bundle, "dinosaur"); got != 6 {
			t.Fatalf("expected file rule score 6, got %d", got)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial change event")
	}

	if err := os.WriteFile(rulesFile, []byte("tables:\n  niche:\n    - phrase: dinosaur\n      score: 8\n"), 0o600); err != nil {
		t.Fatalf("failed to update rules file: %v", err)
	}

	select {
	case bundle := <-changeCh:
		if got := nicheScore(bundle, "dinosaur"); got != 8 {
			t.Fatalf("expected updated score 8, got %d", got)
		}
		if len(bundle.Categories["books"].Rules) != 1 {
			t.Fatalf("inline rule missing after reload")
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reload event")
	}
}

func TestWatchTagRulesFolderReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		t.Fatalf("failed to create rules folder: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Server.Tags.RulesFolder = rulesDir

	changeCh := make(chan TagRuleBundle, 4)
	errCh := make(chan error, 1)

	watcher, err := WatchTagRules(ctx, cfg, func(bundle TagRuleBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	select {
	case bundle := <-changeCh:
		if bundle.RuleCount() != 0 {
			t.Fatalf("expected empty bundle initially, got %v", bundle)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for initial event")
	}

	rulePath := filepath.Join(rulesDir, "niche.yaml")
	if err := os.WriteFile(rulePath, []byte("tables:\n  niche:\n    - phrase: fossil\n      score: 5\n"), 0o600); err != nil {
		t.Fatalf("failed to create rules document: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case bundle := <-changeCh:
			if nicheScore(bundle, "fossil") == 5 {
				return
			}
		case err := <-errCh:
			t.Fatalf("unexpected error: %v", err)
		case <-deadline:
			t.Fatal("timeout waiting for folder reload event")
		}
	}
}

func TestWatchTagRulesRequiresSource(t *testing.T) {
	_, err := WatchTagRules(context.Background(), DefaultConfig(), func(TagRuleBundle) {}, nil)
	if err == nil {
		t.Fatal("expected error without a rules source")
	}
	cfg := DefaultConfig()
	cfg.Server.Tags.RulesFolder = t.TempDir()
	if _, err := WatchTagRules(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected error without a change callback")
	}
}
