package objectstore

import "testing"

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MARSHAL_MINIO_BUCKET_CONTENT", "blobs")
	t.Setenv("MARSHAL_MINIO_PREFIX", "/prod/")
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("ConfigFromEnv() err=%v", err)
	}
	if cfg.BucketContent != "blobs" {
		t.Fatalf("BucketContent=%q", cfg.BucketContent)
	}
	if cfg.Prefix != "prod" {
		t.Fatalf("Prefix=%q, want prod", cfg.Prefix)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{Endpoint: "minio:9000", AccessKey: "a", SecretKey: "s", Region: "us-east-1", BucketContent: "snippets"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	cases := map[string]func(*Config){
		"scheme in endpoint": func(c *Config) { c.Endpoint = "http://minio:9000" },
		"missing secret":     func(c *Config) { c.SecretKey = " " },
		"bucket too short":   func(c *Config) { c.BucketContent = "b" },
		"bucket uppercase":   func(c *Config) { c.BucketContent = "Snippets" },
		"bucket underscore":  func(c *Config) { c.BucketContent = "snippet_blobs" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected error for %+v", cfg)
			}
		})
	}
}
