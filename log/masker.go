package log

import (
	"regexp"
	"strings"

	"github.com/cloudflare/ahocorasick"
)

// FieldMaskFormat defines possible values for field mask formats.
type FieldMaskFormat string

// Field mask formats.
const (
	FieldMaskFormatHTTPHeader FieldMaskFormat = "http_header"
	FieldMaskFormatJSON       FieldMaskFormat = "json"
	FieldMaskFormatURLEncoded FieldMaskFormat = "urlencoded"
)

// Mask is used to mask a secret in strings.
type Mask struct {
	RegExp *regexp.Regexp
	Mask   string
}

func NewMask(cfg MaskConfig) Mask {
	return Mask{regexp.MustCompile(cfg.RegExp), cfg.Mask}
}

// FieldMasker is used to mask a field in different formats.
type FieldMasker struct {
	Field string // lowercase
	Masks []Mask
}

func newFormatMasks(field string, formats []FieldMaskFormat) []Mask {
	masks := make([]Mask, 0, len(formats))
	quoted := regexp.QuoteMeta(field)
	for _, format := range formats {
		switch format {
		case FieldMaskFormatHTTPHeader:
			masks = append(masks, NewMask(MaskConfig{`(?i)` + quoted + `: .+?\r\n`, field + ": ***\r\n"}))
		case FieldMaskFormatJSON:
			masks = append(masks, NewMask(MaskConfig{`(?i)"` + quoted + `"\s*:\s*".*?[^\\]"`, `"` + field + `": "***"`}))
		case FieldMaskFormatURLEncoded:
			masks = append(masks, NewMask(MaskConfig{`(?i)` + quoted + `\s*=\s*[^&\s]+`, field + "=***"}))
		}
	}
	return masks
}

// Masker is used to mask various secrets in strings.
// Field names are looked up with a single Aho-Corasick pass, regular expressions run only for the fields found.
type Masker struct {
	FieldMasks []FieldMasker
	matcher    *ahocorasick.Matcher
}

func NewMasker(rules []MaskingRuleConfig) *Masker {
	r := &Masker{}
	indexes := make(map[string]int, len(rules))
	for _, rule := range rules {
		field := strings.ToLower(rule.Field)
		idx, ok := indexes[field]
		if !ok {
			idx = len(r.FieldMasks)
			indexes[field] = idx
			r.FieldMasks = append(r.FieldMasks, FieldMasker{Field: field})
		}
		for _, maskCfg := range rule.Masks {
			r.FieldMasks[idx].Masks = append(r.FieldMasks[idx].Masks, NewMask(maskCfg))
		}
		r.FieldMasks[idx].Masks = append(r.FieldMasks[idx].Masks, newFormatMasks(rule.Field, rule.Formats)...)
	}
	fields := make([]string, len(r.FieldMasks))
	for i := range r.FieldMasks {
		fields[i] = r.FieldMasks[i].Field
	}
	r.matcher = ahocorasick.NewStringMatcher(fields)
	return r
}

func (r *Masker) Mask(s string) string {
	if len(r.FieldMasks) == 0 || s == "" {
		return s
	}
	for _, idx := range r.matcher.MatchThreadSafe([]byte(strings.ToLower(s))) {
		for _, rep := range r.FieldMasks[idx].Masks {
			s = rep.RegExp.ReplaceAllString(s, rep.Mask)
		}
	}
	return s
}

var DefaultMasks = []MaskingRuleConfig{
	{
		Field:   "Authorization",
		Formats: []FieldMaskFormat{FieldMaskFormatHTTPHeader},
	},
	{
		Field:   "client_secret",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field:   "access_token",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
	{
		Field:   "password",
		Formats: []FieldMaskFormat{FieldMaskFormatJSON, FieldMaskFormatURLEncoded},
	},
}
