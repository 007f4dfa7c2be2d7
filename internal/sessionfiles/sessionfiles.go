// Package sessionfiles manages the on-disk credential files of Telegram sessions.
package sessionfiles

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var suffixes = []string{".session", ".session-journal"}

// Dir removes session files stored as <dir>/<phone>.session.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// Path returns the credential file path for a phone number.
func (d *Dir) Path(phone string) string {
	return filepath.Join(d.root, fileBase(phone)+suffixes[0])
}

// Remove deletes the credential file and its journal. Missing files are not an error.
func (d *Dir) Remove(_ context.Context, phone string) error {
	base := fileBase(phone)
	if base == "" {
		return fmt.Errorf("empty phone number")
	}
	var errs []error
	for _, suffix := range suffixes {
		err := os.Remove(filepath.Join(d.root, base+suffix))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func fileBase(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	return filepath.Base(filepath.Clean("/" + phone))
}
