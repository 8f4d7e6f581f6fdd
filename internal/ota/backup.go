package ota

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// backupBinary copies the installed binary into backupDir. A missing
// binary is not an error; there is nothing to roll back to.
func backupBinary(binaryPath, backupDir string) error {
	if _, err := os.Stat(binaryPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if err := copyFile(binaryPath, filepath.Join(backupDir, filepath.Base(binaryPath))); err != nil {
		return fmt.Errorf("backup binary: %w", err)
	}
	return nil
}

// restoreBinary puts the backed-up binary back in place.
func restoreBinary(binaryPath, backupDir string) error {
	saved := filepath.Join(backupDir, filepath.Base(binaryPath))
	if _, err := os.Stat(saved); err != nil {
		return fmt.Errorf("no backup to restore: %w", err)
	}
	if err := replaceFile(saved, binaryPath, 0o755); err != nil {
		return fmt.Errorf("restore binary: %w", err)
	}
	return nil
}

// replaceFile copies src next to dst and renames it over dst, so a running
// executable is swapped atomically.
func replaceFile(src, dst string, mode os.FileMode) error {
	tmp := dst + ".new"
	if err := copyFile(src, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
