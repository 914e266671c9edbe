package preflight

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireUtilities(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(name string) (string, error) {
		if name == "pg_basebackup" {
			return "/usr/bin/pg_basebackup", nil
		}
		return "", exec.ErrNotFound
	}

	require.NoError(t, RequireUtilities("pg_basebackup"))

	err := RequireUtilities("pg_basebackup", "zstd")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "utility", pe.Check)
	assert.Contains(t, pe.Reason, "zstd")
	assert.ErrorIs(t, err, exec.ErrNotFound)
	assert.True(t, IsError(err))
}

func TestCheckArchiveDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, CheckArchiveDirectory(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary file must be removed")

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	for name, path := range map[string]string{
		"unset":     "  ",
		"missing":   filepath.Join(dir, "nope"),
		"not a dir": file,
	} {
		t.Run(name, func(t *testing.T) {
			err := CheckArchiveDirectory(path)
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "wal archive", pe.Check)
			assert.NotEmpty(t, pe.Remedy)
		})
	}
}

type fakeServer struct {
	settings map[string]string
	repl     bool
	err      error
}

func (f fakeServer) Setting(_ context.Context, name string) (string, error) {
	return f.settings[name], f.err
}

func (f fakeServer) HasReplicationPrivilege(context.Context) (bool, error) {
	return f.repl, f.err
}

func TestCheckReplicationPrivilege(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, CheckReplicationPrivilege(ctx, fakeServer{repl: true}, "backup"))

	err := CheckReplicationPrivilege(ctx, fakeServer{}, "backup")
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "ALTER ROLE backup WITH REPLICATION", pe.Remedy)

	boom := errors.New("connection refused")
	assert.ErrorIs(t, CheckReplicationPrivilege(ctx, fakeServer{err: boom}, "backup"), boom)
}

func TestCheckWALArchiving(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name     string
		settings map[string]string
		failing  string
	}{
		{"replica on", map[string]string{"wal_level": "replica", "archive_mode": "on"}, ""},
		{"logical always", map[string]string{"wal_level": "logical", "archive_mode": "always"}, ""},
		{"minimal", map[string]string{"wal_level": "minimal", "archive_mode": "on"}, "wal_level"},
		{"archive off", map[string]string{"wal_level": "replica", "archive_mode": "off"}, "archive_mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckWALArchiving(ctx, fakeServer{settings: tt.settings})
			if tt.failing == "" {
				assert.NoError(t, err)
				return
			}
			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.failing, pe.Check)
		})
	}
}
