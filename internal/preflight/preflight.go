// Package preflight holds the checks run before a backup touches the
// catalog. Every failure is an *Error naming the check and how to fix it.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
)

// Error is a failed pre-flight check.
type Error struct {
	Check  string
	Reason string
	Remedy string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("preflight %s: %s", e.Check, e.Reason)
	if e.Remedy != "" {
		msg += " (" + e.Remedy + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsError reports whether err is, or wraps, a pre-flight failure.
func IsError(err error) bool {
	var pe *Error
	return errors.As(err, &pe)
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

// RequireUtilities fails on the first name not found on PATH.
func RequireUtilities(names ...string) error {
	for _, name := range names {
		if _, err := lookPath(name); err != nil {
			return &Error{
				Check:  "utility",
				Reason: fmt.Sprintf("%s not found in PATH", name),
				Remedy: fmt.Sprintf("install %s or add it to PATH", name),
				Err:    err,
			}
		}
	}
	return nil
}

// CheckArchiveDirectory verifies the WAL archive directory is configured,
// exists, is a directory and can be written to.
func CheckArchiveDirectory(path string) error {
	const remedy = "set postgres.wal.archive_directory to the directory archive_command writes to"
	if strings.TrimSpace(path) == "" {
		return &Error{Check: "wal archive", Reason: "archive directory is not configured", Remedy: remedy}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &Error{Check: "wal archive", Reason: fmt.Sprintf("%s does not exist", path), Remedy: remedy, Err: err}
	}
	if !info.IsDir() {
		return &Error{Check: "wal archive", Reason: fmt.Sprintf("%s is not a directory", path), Remedy: remedy}
	}
	tmp, err := os.CreateTemp(path, ".diffback-tmp-*")
	if err != nil {
		return &Error{
			Check:  "wal archive",
			Reason: fmt.Sprintf("%s is not writable", path),
			Remedy: "grant the backup user write access to " + filepath.Clean(path),
			Err:    err,
		}
	}
	tmp.Close()
	os.Remove(tmp.Name())
	return nil
}

// PrivilegeChecker reports whether the connected role may replicate.
type PrivilegeChecker interface {
	HasReplicationPrivilege(ctx context.Context) (bool, error)
}

// CheckReplicationPrivilege fails unless user has REPLICATION or SUPERUSER.
func CheckReplicationPrivilege(ctx context.Context, checker PrivilegeChecker, user string) error {
	remedy := fmt.Sprintf("ALTER ROLE %s WITH REPLICATION", user)
	ok, err := checker.HasReplicationPrivilege(ctx)
	if err != nil {
		return &Error{Check: "replication privilege", Reason: "cannot query role attributes", Remedy: remedy, Err: err}
	}
	if !ok {
		return &Error{
			Check:  "replication privilege",
			Reason: fmt.Sprintf("role %s lacks REPLICATION", user),
			Remedy: remedy,
		}
	}
	return nil
}

// SettingReader reads a server setting by name.
type SettingReader interface {
	Setting(ctx context.Context, name string) (string, error)
}

// CheckWALArchiving requires wal_level replica or logical and archive_mode
// on or always.
func CheckWALArchiving(ctx context.Context, reader SettingReader) error {
	checks := []struct {
		name    string
		allowed []string
		remedy  string
	}{
		{"wal_level", []string{"replica", "logical"}, "set wal_level = replica and restart the server"},
		{"archive_mode", []string{"on", "always"}, "set archive_mode = on and archive_command, then restart the server"},
	}
	for _, c := range checks {
		value, err := reader.Setting(ctx, c.name)
		if err != nil {
			return &Error{Check: c.name, Reason: "cannot read setting", Remedy: c.remedy, Err: err}
		}
		if !slices.Contains(c.allowed, strings.ToLower(value)) {
			return &Error{
				Check:  c.name,
				Reason: fmt.Sprintf("%s is %q, want one of %s", c.name, value, strings.Join(c.allowed, ", ")),
				Remedy: c.remedy,
			}
		}
	}
	return nil
}
