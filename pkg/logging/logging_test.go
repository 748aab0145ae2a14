package logging

import (
	"strings"
	"testing"

	"github.com/dripflow/dripflow/pkg/config"
)

func TestHashIdentity(t *testing.T) {
	a := HashIdentity("A@X.com ")
	b := HashIdentity("a@x.com")
	if a != b {
		t.Fatalf("hash must ignore case and whitespace: %s vs %s", a, b)
	}
	if strings.Contains(a, "@") || !strings.HasPrefix(a, "hash:") || len(a) != len("hash:")+12 {
		t.Fatalf("unexpected hash %q", a)
	}
	if HashIdentity("") != "" {
		t.Fatalf("empty identity must hash to empty")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "loud"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	logger, err := New(config.LoggingConfig{Level: "debug", Format: "console"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_ = logger.Sync()
}
