// cmd/root_test.go
package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	t.Run("should expose the open subcommand", func(t *testing.T) {
		names := make([]string, 0)
		for _, c := range rootCmd.Commands() {
			names = append(names, c.Name())
		}
		assert.Contains(t, names, "open")
	})

	t.Run("should carry the build version", func(t *testing.T) {
		assert.Equal(t, Version, rootCmd.Version)
	})

	t.Run("open requires exactly one argument", func(t *testing.T) {
		open := newOpenCmd()
		require.NotNil(t, open.Args)
		assert.Error(t, open.Args(open, []string{}))
		assert.Error(t, open.Args(open, []string{"a", "b"}))
		assert.NoError(t, open.Args(open, []string{"https://example.com/"}))
	})

	t.Run("open declares its flags", func(t *testing.T) {
		open := newOpenCmd()
		assert.NotNil(t, open.Flags().Lookup("screenshot"))
		assert.NotNil(t, open.Flags().Lookup("incognito"))
	})
}
