package backend

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", Auto, false},
		{"auto", Auto, false},
		{"cpu", CPU, false},
		{" CPU ", CPU, false},
		{"cuda", "", true},
		{"metal", "", true},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("Normalize(%q): expected error, got %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestGeometryValidate(t *testing.T) {
	t.Parallel()

	good := Geometry{Stride: [2]int{1, 1}, Dilation: [2]int{1, 1}, Groups: 1}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid geometry rejected: %v", err)
	}

	cases := []struct {
		name string
		g    Geometry
	}{
		{"zero stride", Geometry{Stride: [2]int{0, 1}, Dilation: [2]int{1, 1}, Groups: 1}},
		{"negative padding", Geometry{Stride: [2]int{1, 1}, Padding: [2]int{-1, 0}, Dilation: [2]int{1, 1}, Groups: 1}},
		{"zero dilation", Geometry{Stride: [2]int{1, 1}, Dilation: [2]int{1, 0}, Groups: 1}},
		{"zero groups", Geometry{Stride: [2]int{1, 1}, Dilation: [2]int{1, 1}}},
	}
	for _, tc := range cases {
		if err := tc.g.Validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestRegistry(t *testing.T) {
	if _, err := New("no-such-backend"); err == nil {
		t.Fatal("unknown backend name accepted")
	}

	Register("testbe", func() Backend { return nil })
	if !strings.Contains(Available(), "testbe") {
		t.Fatalf("Available() = %q, missing registered backend", Available())
	}
}
