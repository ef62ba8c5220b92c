package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/ingest"
	"github.com/clarence2022/transferlens/internal/model"
)

const cliBundle = `
competitions:
  - {id: EPL, name: Premier League, country: ENG, tier: 1}
clubs:
  - {id: A, name: Club A, country: ENG, competition_id: EPL}
  - {id: B, name: Club B, country: ENG, competition_id: EPL}
players:
  - {id: p1, name: Player One, position: ST, date_of_birth: 1999-05-01, nationality: ENG, club: A}
signals:
  - player_id: p1
    kind: market_value
    value: 25000000
    unit: EUR
    source: valuation_feed
    confidence: 0.9
    observed_at: 2025-01-20T00:00:00Z
`

// useTempStore points the config at a fresh SQLite file and artifact dir.
func useTempStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("TRANSFERLENS_STORE_DRIVER", "sqlite")
	t.Setenv("TRANSFERLENS_STORE_DATABASE_URL", filepath.Join(dir, "transferlens.db"))
	t.Setenv("TRANSFERLENS_ARTIFACTS_DRIVER", "fs")
	t.Setenv("TRANSFERLENS_ARTIFACTS_DIR", filepath.Join(dir, "artifacts"))
	t.Setenv("TRANSFERLENS_LOG_LEVEL", "error")
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_IngestAndQuery(t *testing.T) {
	dir := useTempStore(t)

	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, `"migrated"`)

	path := filepath.Join(dir, "bundle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cliBundle), 0o600))
	out, err = execute(t, "ingest", "--file", path)
	require.NoError(t, err)
	var counts ingest.Counts
	require.NoError(t, json.Unmarshal([]byte(out), &counts))
	assert.Equal(t, ingest.Counts{Competitions: 1, Clubs: 2, Players: 1, Signals: 1}, counts)

	out, err = execute(t, "signals", "list", "--player", "p1", "--kind", "market_value", "--as-of", "2025-01-21")
	require.NoError(t, err)
	var sigs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &sigs))
	require.Len(t, sigs, 1)
	assert.Equal(t, "p1", sigs[0]["player_id"])

	out, err = execute(t, "predict", "latest", "--player", "p1")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)

	out, err = execute(t, "runs", "list")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestCLI_Errors(t *testing.T) {
	useTempStore(t)

	_, err := execute(t, "runs", "failures", "missing-run")
	assert.Equal(t, model.CodeNotFound, model.CodeOf(err))

	_, err = execute(t, "signals", "derive", "--as-of", "not-a-date")
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))

	_, err = execute(t, "model", "deploy", "no-such-version")
	assert.Equal(t, model.CodeNotFound, model.CodeOf(err))
}
