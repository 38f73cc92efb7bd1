package conf

import (
	"testing"
	"time"
)

func TestNewEnvRequiresCredentials(t *testing.T) {
	_, err := NewEnv()
	if err == nil {
		t.Fatal("expected an error when the repository credentials are not configured")
	}
}

func TestNewEnvDefaults(t *testing.T) {
	t.Setenv("ADOIT_URL", "https://adoit.example.com/api/")
	t.Setenv("ADOIT_API_ID", "svc-archrepo")
	t.Setenv("ADOIT_API_SECRET", "s3cr3t")
	t.Setenv("ADOIT_REPO_ID", "{repo-1}")

	env, err := NewEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if env.Repository.URL != "https://adoit.example.com/api" {
		t.Errorf("expected trailing slash to be stripped, got %s", env.Repository.URL)
	}
	if env.Repository.RepoId != "repo-1" {
		t.Errorf("expected repo id braces to be stripped, got %s", env.Repository.RepoId)
	}
	if env.Repository.PageSize != 200 {
		t.Errorf("expected default page size 200, got %d", env.Repository.PageSize)
	}
	if env.Repository.Timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %s", env.Repository.Timeout)
	}
	if env.Cache.DefaultTtl != 48*time.Hour {
		t.Errorf("expected default ttl 48h, got %s", env.Cache.DefaultTtl)
	}
	if env.Graph.Workers != 10 || env.Graph.ExpansionRounds != 3 {
		t.Errorf("unexpected graph defaults: %+v", env.Graph)
	}
	if env.Auth.Middleware != "noop" {
		t.Errorf("expected noop authorization by default, got %s", env.Auth.Middleware)
	}
}
