package tus

import (
	"reflect"
	"testing"
	"time"
)

func TestParseMetadata(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   map[string]string
	}{
		{
			name:   "single pair",
			header: "filename d29ybGRfZG9taW5hdGlvbl9wbGFuLnBkZg==",
			want:   map[string]string{"filename": "world_domination_plan.pdf"},
		},
		{
			name:   "multiple pairs",
			header: "filename dGVzdC50eHQ=, filetype dGV4dC9wbGFpbg==",
			want:   map[string]string{"filename": "test.txt", "filetype": "text/plain"},
		},
		{
			name:   "key without value",
			header: "is_confidential",
			want:   map[string]string{"is_confidential": ""},
		},
		{
			name:   "malformed elements skipped",
			header: "valid dGVzdA==, bad base64 not!!, toomany a b c",
			want:   map[string]string{"valid": "test"},
		},
		{
			name:   "empty header",
			header: "",
			want:   map[string]string{},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseMetadata(tc.header)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ParseMetadata(%q) = %v, want %v", tc.header, got, tc.want)
			}
		})
	}
}

func TestSerializeMetadata_RoundTrip(t *testing.T) {
	meta := map[string]string{"filename": "test.txt", "filetype": "text/plain", "empty": ""}
	got := ParseMetadata(SerializeMetadata(meta))
	if !reflect.DeepEqual(got, meta) {
		t.Errorf("round trip = %v, want %v", got, meta)
	}
}

func TestSerializeMetadata_Deterministic(t *testing.T) {
	meta := map[string]string{"b": "2", "a": "1", "c": "3"}
	first := SerializeMetadata(meta)
	for i := 0; i < 10; i++ {
		if s := SerializeMetadata(meta); s != first {
			t.Fatalf("serialization not deterministic: %q vs %q", s, first)
		}
	}
}

func TestParseConcat(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		want    Concat
		wantErr bool
	}{
		{name: "empty", header: "", want: Concat{}},
		{name: "partial", header: "partial", want: Concat{IsPartial: true}},
		{
			name:   "final with paths",
			header: "final;/files/a /files/b",
			want:   Concat{IsFinal: true, PartialIDs: []string{"a", "b"}},
		},
		{
			name:   "final with absolute urls",
			header: "final;https://example.com/files/a https://example.com/files/b/",
			want:   Concat{IsFinal: true, PartialIDs: []string{"a", "b"}},
		},
		{name: "final without refs", header: "final;", wantErr: true},
		{name: "garbage", header: "neither", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseConcat(tc.header)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseConcat(%q) succeeded, want error", tc.header)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseConcat(%q): %v", tc.header, err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ParseConcat(%q) = %+v, want %+v", tc.header, got, tc.want)
			}
		})
	}
}

func TestSerializeConcat(t *testing.T) {
	partial := &Session{IsPartial: true}
	if got := SerializeConcat(partial, "/files"); got != "partial" {
		t.Errorf("partial = %q", got)
	}

	final := &Session{IsFinal: true, PartialIDs: []string{"a", "b"}}
	if got := SerializeConcat(final, "/files/"); got != "final;/files/a /files/b" {
		t.Errorf("final = %q", got)
	}

	plain := &Session{}
	if got := SerializeConcat(plain, "/files"); got != "" {
		t.Errorf("plain = %q, want empty", got)
	}
}

func TestExtractID(t *testing.T) {
	cases := []struct{ ref, want string }{
		{"/files/abc", "abc"},
		{"/files/abc/", "abc"},
		{"https://host/files/xyz", "xyz"},
		{"plain-id", "plain-id"},
	}
	for _, tc := range cases {
		got, err := ExtractID(tc.ref)
		if err != nil {
			t.Errorf("ExtractID(%q): %v", tc.ref, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ExtractID(%q) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}

func TestFormatExpires(t *testing.T) {
	ts := time.Date(2026, time.August, 25, 14, 30, 0, 0, time.UTC)
	if got := FormatExpires(ts); got != "Tue, 25 Aug 2026 14:30:00 GMT" {
		t.Errorf("FormatExpires = %q", got)
	}
}
