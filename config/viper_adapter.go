/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ViperAdapter is the DataProvider backed by viper. Values from files, environment variables
// and defaults are merged by viper, conversions are done with spf13/cast.
type ViperAdapter struct {
	viper *viper.Viper
}

var _ DataProvider = (*ViperAdapter)(nil)

// NewViperAdapter creates a new ViperAdapter.
func NewViperAdapter() *ViperAdapter {
	return &ViperAdapter{viper.New()}
}

// UseEnvVars enables the ability to use environment variables for configuration parameters.
// Dots in keys are replaced with underscores, so "marketo.client.secret" is looked up as
// MARKETO_CLIENT_SECRET (or <PREFIX>_MARKETO_CLIENT_SECRET if prefix is not empty).
func (va *ViperAdapter) UseEnvVars(prefix string) {
	va.viper.AutomaticEnv()
	va.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	va.viper.SetEnvPrefix(prefix)
}

// Set overrides the value of key.
func (va *ViperAdapter) Set(key string, value interface{}) {
	va.viper.Set(key, value)
}

// SetDefault sets the value used when neither a file nor the environment provides key.
func (va *ViperAdapter) SetDefault(key string, value interface{}) {
	va.viper.SetDefault(key, value)
}

// Get returns the raw value of key.
func (va *ViperAdapter) Get(key string) interface{} {
	return va.viper.Get(key)
}

// SetFromFile merges configuration data from the file at path.
func (va *ViperAdapter) SetFromFile(path string, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	va.viper.SetConfigFile(path)
	return va.viper.ReadInConfig()
}

// SetFromReader merges configuration data read from reader.
func (va *ViperAdapter) SetFromReader(reader io.Reader, dataType DataType) error {
	va.viper.SetConfigType(string(dataType))
	return va.viper.ReadConfig(reader)
}

// castValue reads key and converts it with cast, attaching the key to a conversion error.
func castValue[T any](va *ViperAdapter, key string, castFn func(interface{}) (T, error)) (T, error) {
	res, err := castFn(va.viper.Get(key))
	return res, WrapKeyErrIfNeeded(key, err)
}

// GetInt returns the value of key as an int.
func (va *ViperAdapter) GetInt(key string) (int, error) {
	return castValue(va, key, cast.ToIntE)
}

// GetFloat64 returns the value of key as a float64.
func (va *ViperAdapter) GetFloat64(key string) (float64, error) {
	return castValue(va, key, cast.ToFloat64E)
}

// GetString returns the value of key as a string.
func (va *ViperAdapter) GetString(key string) (string, error) {
	return castValue(va, key, cast.ToStringE)
}

// GetBool returns the value of key as a bool. "true", "1" and "t" are all accepted.
func (va *ViperAdapter) GetBool(key string) (bool, error) {
	return castValue(va, key, cast.ToBoolE)
}

// GetStringSlice returns the value of key as a slice of strings.
// Values coming from environment variables are split by commas and whitespaces.
func (va *ViperAdapter) GetStringSlice(key string) ([]string, error) {
	val := va.viper.Get(key)
	if val == nil {
		return nil, nil
	}
	if s, ok := val.(string); ok {
		return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }), nil
	}
	return castValue(va, key, cast.ToStringSliceE)
}

// GetStringFromSet returns the member of set matching the value of key.
func (va *ViperAdapter) GetStringFromSet(key string, set []string, ignoreCase bool) (string, error) {
	str, err := va.GetString(key)
	if err != nil {
		return "", err
	}
	for _, s := range set {
		if (ignoreCase && strings.EqualFold(str, s)) || str == s {
			return s, nil
		}
	}
	return "", WrapKeyErr(key, fmt.Errorf("unknown value %q, should be one of %v", str, set))
}

// GetDuration returns the value of key as a duration. Unset keys give zero.
func (va *ViperAdapter) GetDuration(key string) (time.Duration, error) {
	if va.viper.Get(key) == nil {
		return 0, nil
	}
	return castValue(va, key, cast.ToDurationE)
}

// GetByteSize returns the value of key as a size in bytes.
// Both integers and human-readable strings ("10M", "512Ki") are accepted.
func (va *ViperAdapter) GetByteSize(key string) (ByteSize, error) {
	val := va.Get(key)
	if val == nil {
		return 0, nil
	}
	switch v := val.(type) {
	case string:
		if v == "" {
			return 0, nil
		}
		bs, err := ParseByteSize(v)
		return bs, WrapKeyErrIfNeeded(key, err)
	case ByteSize:
		return v, nil
	}
	num, err := cast.ToInt64E(val)
	if err != nil {
		return 0, WrapKeyErr(key, fmt.Errorf("unsupported type for byte size: %T", val))
	}
	if num < 0 {
		return 0, WrapKeyErr(key, fmt.Errorf("negative value is not allowed: %d", num))
	}
	return ByteSize(num), nil
}

// UnmarshalKey decodes the subtree under key into rawVal.
func (va *ViperAdapter) UnmarshalKey(key string, rawVal interface{}, opts ...DecoderConfigOption) error {
	options := make([]viper.DecoderConfigOption, len(opts))
	for i, opt := range opts {
		options[i] = viper.DecoderConfigOption(opt)
	}
	return WrapKeyErrIfNeeded(key, va.viper.UnmarshalKey(key, rawVal, options...))
}

// WrapKeyErr prefixes err with key.
func (va *ViperAdapter) WrapKeyErr(key string, err error) error {
	return WrapKeyErr(key, err)
}
