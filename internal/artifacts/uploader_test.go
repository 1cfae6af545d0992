package artifacts_test

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/signalnine/sweep/internal/artifacts"
)

func TestObjectKeys(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "weights"), 0o755)
	os.WriteFile(filepath.Join(dir, "results.csv"), []byte("epoch\n1\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "weights", "best.pt"), []byte("w"), 0o644)

	objects, err := artifacts.ObjectKeys(dir, "exp/t_trial0_e3_img320")
	if err != nil {
		t.Fatalf("ObjectKeys: %v", err)
	}
	var keys []string
	for _, o := range objects {
		keys = append(keys, o.Key)
	}
	sort.Strings(keys)
	want := []string{"exp/t_trial0_e3_img320/results.csv", "exp/t_trial0_e3_img320/weights/best.pt"}
	if len(keys) != len(want) || keys[0] != want[0] || keys[1] != want[1] {
		t.Errorf("keys: got %v, want %v", keys, want)
	}
}

func TestObjectKeysMissingDir(t *testing.T) {
	if _, err := artifacts.ObjectKeys(filepath.Join(t.TempDir(), "nope"), "p"); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestURI(t *testing.T) {
	if got := artifacts.URI("artifacts", "exp/run"); got != "s3://artifacts/exp/run" {
		t.Errorf("URI: got %q", got)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := artifacts.Config{
		Endpoint:  "localhost:9000",
		AccessKey: "a",
		SecretKey: "b",
		Region:    "us-east-1",
		Bucket:    "artifacts",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}
	invalid = valid
	invalid.Bucket = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty bucket")
	}
}

func TestUploadDir(t *testing.T) {
	if os.Getenv("SWEEP_MINIO_TESTS") == "" {
		t.Skip("set SWEEP_MINIO_TESTS=1 (and SWEEP_ARTIFACTS_* credentials) to run MinIO tests")
	}
	cfg := artifacts.Config{
		Endpoint:  envOr("SWEEP_ARTIFACTS_ENDPOINT", "localhost:9000"),
		AccessKey: envOr("SWEEP_ARTIFACTS_ACCESS_KEY", "minioadmin"),
		SecretKey: envOr("SWEEP_ARTIFACTS_SECRET_KEY", "minioadmin"),
		Region:    "us-east-1",
		Bucket:    "sweep-test",
		Workers:   2,
	}
	ctx := context.Background()
	up, err := artifacts.New(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "train.log"), []byte("done\n"), 0o644)

	uri, err := up.UploadDir(ctx, dir, "test/run")
	if err != nil {
		t.Fatalf("UploadDir: %v", err)
	}
	if uri != "s3://sweep-test/test/run" {
		t.Errorf("uri: got %q", uri)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
