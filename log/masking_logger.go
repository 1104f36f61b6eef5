package log

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	"github.com/ssgreg/logf"
)

// StringMasker hides secrets in a string.
type StringMasker interface {
	Mask(s string) string
}

// MaskingLogger masks secrets in messages and string-like fields before passing them on.
// Marketo credentials travel in the token URL query, so a transport error logged for that call would leak them otherwise.
type MaskingLogger struct {
	log    FieldLogger
	masker StringMasker
}

// NewMaskingLogger wraps l so that everything it logs goes through the masker first.
func NewMaskingLogger(l FieldLogger, masker StringMasker) FieldLogger {
	return MaskingLogger{l, masker}
}

// With returns a new logger with the given additional (masked) fields.
func (l MaskingLogger) With(fs ...Field) FieldLogger {
	return MaskingLogger{l.log.With(l.maskFields(fs)...), l.masker}
}

// Debug logs message at "debug" level.
func (l MaskingLogger) Debug(text string, fs ...Field) {
	l.log.Debug(l.masker.Mask(text), l.maskFields(fs)...)
}

// Info logs message at "info" level.
func (l MaskingLogger) Info(text string, fs ...Field) {
	l.log.Info(l.masker.Mask(text), l.maskFields(fs)...)
}

// Warn logs message at "warn" level.
func (l MaskingLogger) Warn(text string, fs ...Field) {
	l.log.Warn(l.masker.Mask(text), l.maskFields(fs)...)
}

// Error logs message at "error" level.
func (l MaskingLogger) Error(text string, fs ...Field) {
	l.log.Error(l.masker.Mask(text), l.maskFields(fs)...)
}

// Debugf logs a formatted message at "debug" level.
func (l MaskingLogger) Debugf(format string, args ...interface{}) { l.Debug(fmt.Sprintf(format, args...)) }

// Infof logs a formatted message at "info" level.
func (l MaskingLogger) Infof(format string, args ...interface{}) { l.Info(fmt.Sprintf(format, args...)) }

// Warnf logs a formatted message at "warn" level.
func (l MaskingLogger) Warnf(format string, args ...interface{}) { l.Warn(fmt.Sprintf(format, args...)) }

// Errorf logs a formatted message at "error" level.
func (l MaskingLogger) Errorf(format string, args ...interface{}) { l.Error(fmt.Sprintf(format, args...)) }

// AtLevel calls fn with a masking LogFunc if the level is enabled.
func (l MaskingLogger) AtLevel(level Level, fn func(logFunc LogFunc)) {
	l.log.AtLevel(level, func(logFunc LogFunc) {
		fn(func(msg string, fs ...Field) {
			logFunc(l.masker.Mask(msg), l.maskFields(fs)...)
		})
	})
}

// WithLevel returns a new logger with additional level check.
func (l MaskingLogger) WithLevel(level Level) FieldLogger {
	return MaskingLogger{l.log.WithLevel(level), l.masker}
}

// maskFields returns fields unchanged if nothing has been masked, otherwise a modified copy.
func (l MaskingLogger) maskFields(fields []Field) []Field {
	var res []Field
	for i := range fields {
		masked, changed := l.maskField(fields[i])
		if !changed {
			continue
		}
		if res == nil {
			res = append([]Field(nil), fields...)
		}
		res[i] = masked
	}
	if res == nil {
		return fields
	}
	return res
}

func (l MaskingLogger) maskField(field Field) (Field, bool) {
	switch field.Type {
	case logf.FieldTypeBytesToString:
		if s := string(field.Bytes); l.masker.Mask(s) != s {
			return String(field.Key, l.masker.Mask(s)), true
		}
	case logf.FieldTypeBytes, logf.FieldTypeRawBytes:
		if s := string(field.Bytes); field.Bytes != nil && l.masker.Mask(s) != s {
			return logf.ConstBytes(field.Key, []byte(l.masker.Mask(s))), true
		}
	case logf.FieldTypeError:
		if err, ok := field.Any.(error); ok && err != nil {
			if s := err.Error(); l.masker.Mask(s) != s {
				return NamedError(field.Key, newMaskedError(err, l.masker)), true
			}
		}
	case logf.FieldTypeArray:
		if ss, ok := asStrings(field.Any); ok {
			masked := make([]string, len(ss))
			changed := false
			for i, s := range ss {
				masked[i] = l.masker.Mask(s)
				changed = changed || masked[i] != s
			}
			if changed {
				return Strings(field.Key, masked), true
			}
		}
	}
	return field, false
}

var stringSliceType = reflect.TypeOf([]string{})

// asStrings handles logf's named string slice types.
func asStrings(v interface{}) ([]string, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if !rv.CanConvert(stringSliceType) {
		return nil, false
	}
	return rv.Convert(stringSliceType).Interface().([]string), true
}

func newMaskedError(err error, masker StringMasker) error {
	if _, ok := err.(fmt.Formatter); ok {
		return maskedError{s: masker.Mask(err.Error()), verbose: masker.Mask(fmt.Sprintf("%+v", err))}
	}
	return errors.New(masker.Mask(err.Error()))
}

// maskedError keeps logf's verbose error field masked as well.
type maskedError struct {
	s       string
	verbose string
}

func (e maskedError) Error() string {
	return e.s
}

func (e maskedError) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, e.verbose)
}
