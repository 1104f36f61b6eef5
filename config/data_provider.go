/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"time"

	"github.com/mitchellh/mapstructure"
)

// DataType is the format of a configuration file.
type DataType string

// Supported data formats.
const (
	DataTypeYAML DataType = "yaml"
	DataTypeJSON DataType = "json"
)

// ValueGetter reads typed values. Conversion failures are wrapped with the key.
type ValueGetter interface {
	Get(key string) interface{}
	GetBool(key string) (bool, error)
	GetInt(key string) (int, error)
	GetFloat64(key string) (float64, error)
	GetString(key string) (string, error)
	// GetStringFromSet returns the matching member of set, so the result is canonical even with ignoreCase.
	GetStringFromSet(key string, set []string, ignoreCase bool) (string, error)
	// GetStringSlice accepts lists and comma or space separated strings (as set in env vars).
	GetStringSlice(key string) ([]string, error)
	GetDuration(key string) (time.Duration, error)
	GetByteSize(key string) (ByteSize, error)
	UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error
}

// DataProvider supplies configuration values merged from defaults, a file or reader
// and environment variables, in increasing priority.
type DataProvider interface {
	ValueGetter

	UseEnvVars(prefix string)
	Set(key string, value interface{})
	SetDefault(key string, value interface{})
	SetFromFile(path string, dataType DataType) error
	SetFromReader(reader io.Reader, dataType DataType) error

	// WrapKeyErr prefixes err with the full key, e.g. "marketo.folderId: must be positive".
	WrapKeyErr(key string, err error) error
}

// DecoderConfigOption adjusts the mapstructure decoder used by UnmarshalKey.
type DecoderConfigOption func(*mapstructure.DecoderConfig)

// WrapKeyErrIfNeeded is WrapKeyErr for a possibly nil error.
func WrapKeyErrIfNeeded(key string, err error) error {
	if err == nil {
		return nil
	}
	return WrapKeyErr(key, err)
}

// WrapKeyErr prefixes err with key.
func WrapKeyErr(key string, err error) error {
	return fmt.Errorf("%s: %w", key, err)
}
