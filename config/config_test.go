package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/lockmaster-go/lockerr"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, "cedarling", cfg.ApplicationName)
	require.Equal(t, 30*time.Second, cfg.StageTimeout.D())
	require.Equal(t, int64(32<<20), cfg.MaxBundleBytes)
	require.Equal(t, time.Second, cfg.Sync.ReconnectInitial.D())
	require.Equal(t, time.Minute, cfg.Sync.ReconnectMax.D())
	require.Equal(t, "lock:status:", cfg.Redis.KeyPrefix)
}

func TestLoadFileFormats(t *testing.T) {
	cases := map[string]string{
		"lock.toml": `
lock_master_url = "https://lm.example"
policy_store_id = "store-1"
enable_dynamic_configuration = true
stage_timeout = "5s"

[sync]
reconnect_max = "10s"
`,
		"lock.yaml": `
lock_master_url: https://lm.example
policy_store_id: store-1
enable_dynamic_configuration: true
stage_timeout: 5s
sync:
  reconnect_max: 10s
`,
		"lock.jsonc": `{
  // comments and trailing commas are allowed
  "lock_master_url": "https://lm.example",
  "policy_store_id": "store-1",
  "enable_dynamic_configuration": true,
  "stage_timeout": "5s",
  "sync": {"reconnect_max": "10s",},
}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, LoadFile(writeFile(t, name, content), &cfg))
			require.Equal(t, "https://lm.example", cfg.LockMasterURL)
			require.Equal(t, "store-1", cfg.PolicyStoreID)
			require.True(t, cfg.EnableDynamicConfiguration)
			require.Equal(t, 5*time.Second, cfg.StageTimeout.D())
			require.Equal(t, 10*time.Second, cfg.Sync.ReconnectMax.D())
			// untouched fields keep their defaults
			require.Equal(t, time.Second, cfg.Sync.ReconnectInitial.D())
			require.Equal(t, "cedarling", cfg.ApplicationName)
		})
	}
}

func TestLoadFileRejectsUnknownExtension(t *testing.T) {
	cfg := Default()
	err := LoadFile(writeFile(t, "lock.ini", "x=1"), &cfg)
	require.ErrorIs(t, err, lockerr.ErrInvalidConfig)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "lock.toml", `
lock_master_url = "https://file.example"
policy_store_id = "from-file"
software_statement_file = "ssa.jwt"
`)
	t.Setenv("LOCK_POLICY_STORE_ID", "from-env")
	t.Setenv("LOCK_SYNC_RECONNECT_INITIAL", "250ms")
	t.Setenv("LOCK_DECOMPRESS_BUNDLE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://file.example", cfg.LockMasterURL)
	require.Equal(t, "from-env", cfg.PolicyStoreID)
	require.Equal(t, 250*time.Millisecond, cfg.Sync.ReconnectInitial.D())
	require.True(t, cfg.DecompressBundle)
	require.Equal(t, filepath.Join(filepath.Dir(path), "ssa.jwt"), cfg.SoftwareStatementFile)
}

func TestInvalidEnvironmentDuration(t *testing.T) {
	t.Setenv("LOCK_STAGE_TIMEOUT", "soon")
	_, err := Load("")
	require.ErrorIs(t, err, lockerr.ErrInvalidConfig)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	err := Default().Validate()
	require.ErrorIs(t, err, lockerr.ErrInvalidConfig)
	require.ErrorContains(t, err, "lock_master_url")
	require.ErrorContains(t, err, "policy_store_id")
	require.ErrorContains(t, err, "software_statement")

	cfg := Default()
	cfg.LockMasterURL = "https://lm.example"
	cfg.PolicyStoreID = "s"
	cfg.SoftwareStatement = "jwt"
	require.NoError(t, cfg.Validate())

	cfg.SoftwareStatementFile = "also"
	require.Error(t, cfg.Validate())
}

func TestSoftwareStatementJWTFromFile(t *testing.T) {
	cfg := Default()
	cfg.SoftwareStatementFile = writeFile(t, "ssa.jwt", "header.payload.sig\n")
	got, err := cfg.SoftwareStatementJWT()
	require.NoError(t, err)
	require.Equal(t, "header.payload.sig", got)

	cfg.SoftwareStatementFile = filepath.Join(t.TempDir(), "missing")
	_, err = cfg.SoftwareStatementJWT()
	require.True(t, errors.Is(err, lockerr.ErrInvalidConfig))
}

func TestSchema(t *testing.T) {
	b, err := json.Marshal(Schema())
	require.NoError(t, err)

	var doc struct {
		Required   []string                  `json:"required"`
		Properties map[string]map[string]any `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(b, &doc))
	require.ElementsMatch(t, []string{"lock_master_url", "policy_store_id"}, doc.Required)
	require.Equal(t, "string", doc.Properties["stage_timeout"]["type"])
	require.Contains(t, doc.Properties, "sync")
}
