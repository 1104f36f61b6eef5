/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package relay

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/LeadFabric-nv/federale-file-upload/config"
)

// Validation errors. They are reported to the client with 400 Bad Request.
var (
	ErrNoFiles         = errors.New("No files uploaded") //nolint:stylecheck // shown to users as is
	ErrTooManyFiles    = errors.New("too many files")
	ErrInvalidFileType = errors.New("invalid file type")
	ErrDuplicateFile   = errors.New("duplicate file")
	ErrInvalidEmail    = errors.New("invalid email")
)

// File is a file received from the form.
type File struct {
	// Name is the file name as sent by the client.
	Name        string
	ContentType string
	Content     []byte
	// Size is the number of bytes the client sent. It exceeds len(Content) for oversized files,
	// whose content is not kept.
	Size int64
}

// FormatFileName replaces every character of the base name outside [A-Za-z0-9] with "_"
// and lowercases it. The extension is kept as is.
func FormatFileName(name string) string {
	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i:]
	}
	var sb strings.Builder
	sb.Grow(len(name))
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			sb.WriteRune(r + ('a' - 'A'))
		default:
			sb.WriteByte('_')
		}
	}
	sb.WriteString(ext)
	return sb.String()
}

// Validator checks submitted files against the relay limits.
type Validator struct {
	maxFiles          int
	maxFileSize       config.ByteSize
	allowedExtensions []string
	normalize         bool
}

// NewValidator creates a new Validator.
func NewValidator(cfg *Config) *Validator {
	return &Validator{
		maxFiles:          cfg.MaxFiles,
		maxFileSize:       cfg.MaxFileSize,
		allowedExtensions: cfg.AllowedExtensions,
		normalize:         cfg.NormalizeFileNames,
	}
}

// Validate checks the set of files. Oversized files pass, see TooLarge.
func (v *Validator) Validate(files []File) error {
	if len(files) == 0 {
		return ErrNoFiles
	}
	if len(files) > v.maxFiles {
		return fmt.Errorf("%w: maximum %d files allowed", ErrTooManyFiles, v.maxFiles)
	}
	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		if !v.extensionAllowed(f.Name) {
			return fmt.Errorf("%w: %q, allowed types: %s",
				ErrInvalidFileType, f.Name, strings.Join(v.allowedExtensions, ", "))
		}
		name := v.UploadName(f.Name)
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateFile, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// TooLarge reports whether the file exceeds the maximum file size.
func (v *Validator) TooLarge(f File) bool {
	return f.Size > int64(v.maxFileSize)
}

// MaxFileSize returns the maximum size of a single file.
func (v *Validator) MaxFileSize() config.ByteSize {
	return v.maxFileSize
}

// UploadName returns the name the file gets in Marketo.
func (v *Validator) UploadName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	if v.normalize {
		return FormatFileName(name)
	}
	return name
}

func (v *Validator) extensionAllowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, allowed := range v.allowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
