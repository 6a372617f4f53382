package main

import (
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/server/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Run("dry run by default", func(t *testing.T) {
		cmd, err := parseCommand([]string{"-operator", "root", "-fix-missing", "-d", "postgres://x"})
		require.NoError(t, err)

		assert.False(t, cmd.options.Live)
		assert.Equal(t, "root", cmd.options.Operator)
		assert.Equal(t, reconcile.Options{FixMissingFields: true}, cmd.options.Repairs)
	})

	t.Run("bool flag does not swallow the next token", func(t *testing.T) {
		cmd, err := parseCommand([]string{"-live", "-operator", "root", "-confirm", "-max", "50", "-out", "r.json"})
		require.NoError(t, err)

		assert.True(t, cmd.options.Live)
		assert.True(t, cmd.options.Confirm)
		assert.Equal(t, 50, cmd.options.MaxRecordsToScan)
		assert.Equal(t, "r.json", cmd.out)
	})

	t.Run("all enables every repair", func(t *testing.T) {
		cmd, err := parseCommand([]string{"-operator=root", "-all"})
		require.NoError(t, err)

		assert.Equal(t, reconcile.Options{}.All(), cmd.options.Repairs)
		assert.True(t, cmd.options.NormalizeLegacy)
		assert.True(t, cmd.options.MarkReverification)
		assert.False(t, cmd.options.ResendVerification)
	})

	t.Run("resume", func(t *testing.T) {
		cmd, err := parseCommand([]string{"-resume", "run-1", "-operator", "root"})
		require.NoError(t, err)
		assert.Equal(t, "run-1", cmd.resume)
	})

	t.Run("operator required", func(t *testing.T) {
		_, err := parseCommand([]string{"-live"})
		assert.Error(t, err)
	})

	t.Run("bad number", func(t *testing.T) {
		_, err := parseCommand([]string{"-operator", "root", "-max", "many"})
		assert.Error(t, err)
	})
}
