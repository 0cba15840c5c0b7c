package field

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFieldFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestFileSystemRepository(t *testing.T) {
	dir := t.TempDir()
	writeFieldFile(t, dir, "balance.yaml", `
resource: accounts
field: balance
reducer: sum
late_policy: ignore
`)
	writeFieldFile(t, dir, "score.yml", `
resource: players
field: score
`)
	writeFieldFile(t, dir, "notes.txt", "not a field definition")
	writeFieldFile(t, dir, "empty.yaml", "# comment only\n")

	repo, err := NewFileSystemRepository(dir)
	require.NoError(t, err)

	def, err := repo.Get(context.Background(), "accounts", "balance")
	require.NoError(t, err)
	require.Equal(t, "sum", def.Reducer)
	require.Equal(t, LateIgnore, def.LatePolicy)

	// Defaults applied when the file omits reducer and late policy.
	def, err = repo.Get(context.Background(), "players", "score")
	require.NoError(t, err)
	require.Equal(t, "sum", def.Reducer)
	require.Equal(t, LateWarn, def.LatePolicy)

	_, err = repo.Get(context.Background(), "accounts", "missing")
	require.ErrorIs(t, err, ErrUnknownField)

	require.Len(t, repo.Definitions(), 2)
}

func TestFileSystemRepositoryMissingDir(t *testing.T) {
	repo, err := NewFileSystemRepository(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, repo.Definitions())
}

func TestFileSystemRepositoryRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	writeFieldFile(t, dir, "a.yaml", "resource: accounts\nfield: balance\n")
	writeFieldFile(t, dir, "b.yaml", "resource: accounts\nfield: balance\n")

	_, err := NewFileSystemRepository(dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate definition")
}

func TestFileSystemRepositoryRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "resource: [unclosed", "parsing field file"},
		{"unknown reducer", "resource: a\nfield: b\nreducer: median\n", "unknown reducer"},
		{"unknown late policy", "resource: a\nfield: b\nlate_policy: drop\n", "unknown late_policy"},
		{"missing field", "resource: a\n", "field must not be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFieldFile(t, dir, "def.yaml", tt.content)

			_, err := NewFileSystemRepository(dir)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStaticRepository(t *testing.T) {
	repo, err := NewStaticRepository([]Definition{
		{Resource: "accounts", Field: "balance", LatePolicy: LateProcess},
	})
	require.NoError(t, err)

	def, err := repo.Get(context.Background(), "accounts", "balance")
	require.NoError(t, err)
	require.Equal(t, LateProcess, def.LatePolicy)
	require.Equal(t, "sum", def.Reducer)

	_, err = NewStaticRepository([]Definition{
		{Resource: "a", Field: "x"},
		{Resource: "a", Field: "x"},
	})
	require.Error(t, err)
}
