package config

import (
	"testing"
	"time"
)

func TestParseAreas(t *testing.T) {
	areas, err := parseAreas("main=/srv/main, archive=/srv/archive,")
	if err != nil {
		t.Fatalf("parseAreas failed: %v", err)
	}
	if len(areas) != 2 {
		t.Fatalf("got %d areas, want 2", len(areas))
	}
	if areas[0].Name != "main" || areas[0].Path != "/srv/main" {
		t.Errorf("area 0 = %+v", areas[0])
	}
	if areas[1].Name != "archive" || areas[1].Path != "/srv/archive" {
		t.Errorf("area 1 = %+v", areas[1])
	}

	if _, err := parseAreas("missing-path"); err == nil {
		t.Error("pair without = must be rejected")
	}
	if _, err := parseAreas("=path"); err == nil {
		t.Error("empty name must be rejected")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8042 {
		t.Errorf("default port = %d, want 8042", cfg.Server.Port)
	}
	if cfg.Storage.MaxStudies != 500 {
		t.Errorf("default max studies = %d, want 500", cfg.Storage.MaxStudies)
	}
	if len(cfg.Storage.Areas) != 1 || cfg.Storage.Areas[0].Name != "main" {
		t.Errorf("default areas = %+v", cfg.Storage.Areas)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("default cache TTL = %v", cfg.Cache.TTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("STORAGE_AREAS", "a=/x,b=/y")
	t.Setenv("STORAGE_MAX_STUDY_BYTES", "1048576")
	t.Setenv("STORAGE_QUOTA_DELETES_FILES", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if len(cfg.Storage.Areas) != 2 {
		t.Errorf("areas = %+v", cfg.Storage.Areas)
	}
	if cfg.Storage.MaxStudyBytes != 1048576 {
		t.Errorf("max study bytes = %d", cfg.Storage.MaxStudyBytes)
	}
	if cfg.Storage.QuotaDeletesFiles {
		t.Error("quota deletion should be disabled")
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	bad := *cfg
	bad.Server.Port = 0
	if err := bad.Validate(); err == nil {
		t.Error("port 0 must be rejected")
	}

	bad = *cfg
	bad.Storage.Areas = nil
	if err := bad.Validate(); err == nil {
		t.Error("empty area list must be rejected")
	}

	bad = *cfg
	bad.Cache.Type = "memcached"
	if err := bad.Validate(); err == nil {
		t.Error("unknown cache type must be rejected")
	}
}
