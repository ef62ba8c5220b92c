package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clarence2022/transferlens/internal/config"
	"github.com/clarence2022/transferlens/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "ingest", "signals", "candidates", "features", "model", "predict", "daily", "runs"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "transferlens", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestModelCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range modelCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"train", "deploy", "archive", "list", "evaluate"} {
		assert.True(t, names[name], "expected model subcommand %q", name)
	}
}

func TestDailyCommand_Flags(t *testing.T) {
	for _, name := range []string{"as-of", "horizon", "only", "metrics-addr"} {
		assert.NotNil(t, dailyCmd.Flags().Lookup(name), "daily should have --%s", name)
	}
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	printError(&buf, model.Invalid("as_of", "bad"))
	assert.Equal(t, "error [validation]: validation: as_of: bad\n", buf.String())

	buf.Reset()
	printError(&buf, &model.NotFoundError{Entity: "run", ID: "r1"})
	assert.Contains(t, buf.String(), "error [not_found]: ")

	buf.Reset()
	printError(&buf, errors.New("disk full"))
	assert.Equal(t, "error [internal]: disk full\n", buf.String())
}

func TestParseTime(t *testing.T) {
	def := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	got, err := parseTime("as_of", "", def)
	require.NoError(t, err)
	assert.Equal(t, def, got)

	got, err = parseTime("as_of", "2025-03-01", def)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTime("as_of", "2025-03-01T12:00:00+02:00", def)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())

	_, err = parseTime("as_of", "yesterday", def)
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))
}

func TestHorizonFlag(t *testing.T) {
	saved := cfg
	t.Cleanup(func() { cfg = saved })
	cfg = &config.Config{Pipeline: config.PipelineConfig{Horizons: []int{30, 90}, DefaultHorizonDays: 90}}

	h, err := horizonFlag(0)
	require.NoError(t, err)
	assert.Equal(t, model.Horizon(90), h)

	h, err = horizonFlag(30)
	require.NoError(t, err)
	assert.Equal(t, model.Horizon(30), h)

	_, err = horizonFlag(180)
	assert.Equal(t, model.CodeValidation, model.CodeOf(err))
}
