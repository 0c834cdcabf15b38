package referral_test

import (
	"testing"

	"github.com/warp/referral-engine/referral"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    referral.Path
		wantErr bool
	}{
		{name: "root sentinel alone", in: "root", want: referral.Path{}},
		{name: "single ancestor", in: "root.12", want: referral.Path{12}},
		{name: "deep chain", in: "root.12.34.56", want: referral.Path{12, 34, 56}},
		{name: "missing sentinel", in: "12.34", wantErr: true},
		{name: "bare id", in: "12", wantErr: true},
		{name: "non-numeric segment", in: "root.12.xyz", wantErr: true},
		{name: "empty segment", in: "root.12..34", wantErr: true},
		{name: "empty string", in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := referral.ParsePath(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParsePath(%q): expected error, got %v", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath(%q): %v", tt.in, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParsePath(%q) = %v, want %v", tt.in, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("ParsePath(%q) = %v, want %v", tt.in, got, tt.want)
				}
			}
		})
	}
}

func TestPathString(t *testing.T) {
	if got := (referral.Path{}).String(); got != "root" {
		t.Errorf("empty path = %q, want %q", got, "root")
	}
	if got := (referral.Path{12, 34}).String(); got != "root.12.34" {
		t.Errorf("path = %q, want %q", got, "root.12.34")
	}
}

func TestPathRoundTrip(t *testing.T) {
	for _, s := range []string{"root", "root.1", "root.12.34.56.78"} {
		p, err := referral.ParsePath(s)
		if err != nil {
			t.Fatalf("ParsePath(%q): %v", s, err)
		}
		if p.String() != s {
			t.Errorf("round trip %q -> %q", s, p.String())
		}
	}
}

func TestPathChild(t *testing.T) {
	// GIVEN a level-3 node with path root.1.2 and id 3
	parent := referral.Path{1, 2}

	// WHEN a client joins under it
	child := parent.Child(3)

	// THEN the child's path appends the referrer's own id
	if child.String() != "root.1.2.3" {
		t.Fatalf("child path = %q, want root.1.2.3", child.String())
	}
	// AND the parent path is not mutated
	if parent.String() != "root.1.2" {
		t.Fatalf("parent path mutated to %q", parent.String())
	}
}

func TestPathNearestFirst(t *testing.T) {
	// The storage form lists root first; the engine pairs rates with
	// the direct referrer first.
	p := referral.Path{1, 2, 3}
	got := p.NearestFirst()
	want := []referral.NodeID{3, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NearestFirst() = %v, want %v", got, want)
		}
	}
}

func TestPathHasPrefix(t *testing.T) {
	p := referral.Path{1, 2, 3}
	if !p.HasPrefix(referral.Path{}) {
		t.Error("every path should have the empty prefix")
	}
	if !p.HasPrefix(referral.Path{1, 2}) {
		t.Error("expected prefix root.1.2 to match root.1.2.3")
	}
	if p.HasPrefix(referral.Path{2}) {
		t.Error("root.2 must not prefix root.1.2.3")
	}
	if p.HasPrefix(referral.Path{1, 2, 3, 4}) {
		t.Error("longer prefix must not match")
	}
}

func TestPathContains(t *testing.T) {
	p := referral.Path{1, 2, 3}
	if !p.Contains(2) {
		t.Error("expected path to contain 2")
	}
	if p.Contains(9) {
		t.Error("path must not contain 9")
	}
}
