package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Retention.EventHorizon != 2*365*24*time.Hour {
		t.Fatalf("expected two year horizon, got %s", cfg.Retention.EventHorizon)
	}
	if cfg.Engagement.Points["complete"] != 10 {
		t.Fatalf("expected default completion points, got %v", cfg.Engagement.Points)
	}
	if cfg.Engagement.StreakBreak != 48*time.Hour {
		t.Fatalf("unexpected streak break %s", cfg.Engagement.StreakBreak)
	}
	if cfg.Analytics.StorageDriver != "postgres" || cfg.Notify.Driver != "nop" {
		t.Fatalf("unexpected drivers %q %q", cfg.Analytics.StorageDriver, cfg.Notify.Driver)
	}
}

func TestDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=d sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}
