package kv

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind is the scalar type recorded next to a stored value.
type Kind int

const (
	KindString Kind = iota + 1
	KindBool
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "unknown"
	}
}

type Scalar struct {
	Kind Kind
	Text string
}

// Backend is a hierarchical, dot-separated key/value store. Sections are implicit:
// "settings.default.sync-time" lives in section "settings.default".
type Backend interface {
	Lookup(path string) (Scalar, bool)
	// Put stores a scalar at path. A nil scalar deletes path and everything below it.
	Put(path string, s *Scalar) error
	// Children lists the immediate keys under section in insertion order ("" is the root).
	Children(section string) []string

	Save() error
	Reload() error
	LoadDefaults() error
	Close() error
}

// Store adds typed accessors on top of a Backend. Reads never fail: a missing or
// mistyped value yields the caller's default.
type Store struct {
	b Backend
}

func NewStore(b Backend) *Store {
	return &Store{b: b}
}

func (s *Store) Backend() Backend { return s.b }

func Join(parts ...string) string {
	return strings.Join(parts, ".")
}

func (s *Store) IsSet(path string) bool {
	_, ok := s.b.Lookup(path)
	return ok
}

func (s *Store) Bool(path string, def bool) bool {
	v, ok := s.b.Lookup(path)
	if !ok || v.Kind != KindBool {
		return def
	}
	b, err := strconv.ParseBool(v.Text)
	if err != nil {
		return def
	}
	return b
}

func (s *Store) String(path string) (string, bool) {
	v, ok := s.b.Lookup(path)
	if !ok {
		return "", false
	}
	return v.Text, true
}

func (s *Store) StringOr(path, def string) string {
	if v, ok := s.String(path); ok {
		return v
	}
	return def
}

func (s *Store) Int64(path string, def int64) int64 {
	v, ok := s.b.Lookup(path)
	if !ok {
		return def
	}
	switch v.Kind {
	case KindInt:
		n, err := strconv.ParseInt(v.Text, 0, 64)
		if err != nil {
			return def
		}
		return n
	case KindFloat:
		f, err := parseFloat(v.Text)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return def
		}
		return clampInt64(f)
	default:
		return def
	}
}

// clampInt64 truncates f, saturating at the int64 bounds.
func clampInt64(f float64) int64 {
	switch {
	case f >= math.MaxInt64:
		return math.MaxInt64
	case f <= math.MinInt64:
		return math.MinInt64
	}
	return int64(f)
}

func (s *Store) Int(path string, def int) int {
	return int(s.Int64(path, int64(def)))
}

func (s *Store) Float64(path string, def float64) float64 {
	v, ok := s.b.Lookup(path)
	if !ok || (v.Kind != KindInt && v.Kind != KindFloat) {
		return def
	}
	f, err := parseFloat(v.Text)
	if err != nil {
		return def
	}
	return f
}

// Set stores v at path. Supported types are bool, string, signed integers and floats;
// nil deletes the path.
func (s *Store) Set(path string, v any) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("kv: empty path")
	}
	if v == nil {
		return s.b.Put(path, nil)
	}
	sc, err := ScalarOf(v)
	if err != nil {
		return err
	}
	return s.b.Put(path, &sc)
}

func (s *Store) Delete(path string) error {
	return s.b.Put(path, nil)
}

func (s *Store) Keys(section string) []string {
	return s.b.Children(section)
}

func (s *Store) Save() error         { return s.b.Save() }
func (s *Store) Reload() error       { return s.b.Reload() }
func (s *Store) LoadDefaults() error { return s.b.LoadDefaults() }
func (s *Store) Close() error        { return s.b.Close() }

func ScalarOf(v any) (Scalar, error) {
	switch x := v.(type) {
	case bool:
		return Scalar{Kind: KindBool, Text: strconv.FormatBool(x)}, nil
	case string:
		return Scalar{Kind: KindString, Text: x}, nil
	case int:
		return Scalar{Kind: KindInt, Text: strconv.FormatInt(int64(x), 10)}, nil
	case int32:
		return Scalar{Kind: KindInt, Text: strconv.FormatInt(int64(x), 10)}, nil
	case int64:
		return Scalar{Kind: KindInt, Text: strconv.FormatInt(x, 10)}, nil
	case float32:
		return Scalar{Kind: KindFloat, Text: formatFloat(float64(x))}, nil
	case float64:
		return Scalar{Kind: KindFloat, Text: formatFloat(x)}, nil
	default:
		return Scalar{}, fmt.Errorf("kv: unsupported value type %T", v)
	}
}

// formatFloat renders f so that it round-trips exactly and still reads as a float in YAML.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return ".nan"
	case math.IsInf(f, 1):
		return ".inf"
	case math.IsInf(f, -1):
		return "-.inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func parseFloat(s string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ".nan":
		return math.NaN(), nil
	case ".inf", "+.inf":
		return math.Inf(1), nil
	case "-.inf":
		return math.Inf(-1), nil
	}
	return strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 64)
}
