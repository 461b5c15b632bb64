package caps

import (
	"reflect"
	"testing"
)

func TestNestedAndFlatLookup(t *testing.T) {
	nested := New(map[string]any{
		"encryption": map[string]any{
			"cipher": "AES",
			"iv":     []byte("0000000000000000"),
		},
	})
	flat := New(map[string]any{
		"encryption.cipher": "AES",
		"encryption.iv":     []byte("0000000000000000"),
	})
	for _, d := range []Dict{nested, flat} {
		if got := d.StrGet("encryption.cipher", ""); got != "AES" {
			t.Fatalf("cipher=%q", got)
		}
		if got := d.BytesGet("encryption.iv"); string(got) != "0000000000000000" {
			t.Fatalf("iv=%q", got)
		}
	}
}

func TestDictGetReconstructsFlat(t *testing.T) {
	flat := New(map[string]any{
		"encryption.cipher": "AES",
		"encryption.mode":   "CBC",
		"other":             int64(1),
	})
	enc := flat.DictGet("encryption")
	if enc == nil {
		t.Fatal("no encryption namespace")
	}
	if enc.StrGet("mode", "") != "CBC" {
		t.Fatalf("mode=%q", enc.StrGet("mode", ""))
	}
	if flat.DictGet("missing") != nil {
		t.Fatal("expected nil for missing namespace")
	}
}

func TestTypedGetters(t *testing.T) {
	d := New(map[string]any{
		"n":       int64(42),
		"s":       []byte("hello"),
		"b":       true,
		"b2":      int64(1),
		"tuple":   []any{"zlib", []byte("lz4")},
		"version": []any{int64(1), int64(2), int64(3)},
	})
	if d.IntGet("n", 0) != 42 || d.IntGet("missing", 7) != 7 {
		t.Fatal("IntGet")
	}
	if d.StrGet("s", "") != "hello" {
		t.Fatal("StrGet bytes")
	}
	if !d.BoolGet("b", false) || !d.BoolGet("b2", false) || d.BoolGet("missing", false) {
		t.Fatal("BoolGet")
	}
	if got := d.StrTupleGet("tuple"); !reflect.DeepEqual(got, []string{"zlib", "lz4"}) {
		t.Fatalf("StrTupleGet=%v", got)
	}
	if got := d.IntTupleGet("version"); !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Fatalf("IntTupleGet=%v", got)
	}
}

func TestAliasesGet(t *testing.T) {
	d := New(map[string]any{
		"aliases": map[string]any{
			"ping":      int64(7),
			"ping_echo": int64(8),
			"bogus":     "x",
		},
	})
	got := d.AliasesGet("aliases")
	want := map[string]int{"ping": 7, "ping_echo": 8}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("aliases=%v want %v", got, want)
	}
}

func TestFlatten(t *testing.T) {
	got := Flatten("", map[string]any{
		"a": map[string]any{"b": int64(1), "c": map[string]any{"d": "x"}},
		"e": true,
	})
	want := map[string]any{"a.b": int64(1), "a.c.d": "x", "e": true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("flatten=%v want %v", got, want)
	}
}

func TestParseVersion(t *testing.T) {
	cases := []struct {
		in   string
		want []int64
		err  bool
	}{
		{"1.2.3.4", []int64{1, 2, 3, 4}, false},
		{"6", []int64{6}, false},
		{"1.2.3.4.5", nil, true},
		{"a.b", nil, true},
	}
	for _, tc := range cases {
		got, err := ParseVersion(tc.in)
		if tc.err != (err != nil) {
			t.Fatalf("ParseVersion(%q) err=%v", tc.in, err)
		}
		if !tc.err && !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ParseVersion(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
	if VersionString([]int64{1, 2, 3}) != "1.2.3" {
		t.Fatal("VersionString")
	}
}
