package offlinecache

import (
	"strings"
	"testing"
)

func TestResolveEmbeddedAbsoluteURL(t *testing.T) {
	got := Resolve("/http://x.test/a", "https://o.test", "app")
	if got != "http://x.test/a" {
		t.Fatalf("resolved to %s", got)
	}
}

func TestResolveEmbeddedAbsoluteURLDeep(t *testing.T) {
	got := Resolve("/proxy/https://x.test/a?q=1", "https://o.test", "")
	if got != "https://x.test/a?q=1" {
		t.Fatalf("resolved to %s", got)
	}
}

func TestResolveJoinSlashes(t *testing.T) {
	cases := []struct {
		base string
		path string
		want string
	}{
		{"https://o.test/", "/p", "https://o.test/p"},
		{"https://o.test", "/p", "https://o.test/p"},
		{"https://o.test/", "p", "https://o.test/p"},
		{"https://o.test", "p", "https://o.test/p"},
	}
	for _, c := range cases {
		if got := Resolve(c.path, c.base, ""); got != c.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", c.path, c.base, got, c.want)
		}
	}
}

func TestResolveSegmentReanchoring(t *testing.T) {
	base := "https://o.test/tenant-1/app"
	got := Resolve("/something/else/app/pages/index.html", base, "app")
	want := "https://o.test/tenant-1/app/pages/index.html"
	if got != want {
		t.Fatalf("resolved to %s, want %s", got, want)
	}
}

func TestResolveSegmentPreservesSuffixBytes(t *testing.T) {
	// the suffix after the segment must be byte-identical to the suffix
	// of the input path after the segment
	paths := []string{
		"/app/a/b%20c?x=1&y=2#frag",
		"/nested/app//double//slashes",
		"/app/",
	}
	base := "https://o.test/root/app"
	for _, p := range paths {
		wantSuffix := p[strings.Index(p, "app")+len("app"):]
		got := Resolve(p, base, "app")
		if !strings.HasSuffix(got, wantSuffix) {
			t.Errorf("Resolve(%q) = %q, want suffix %q", p, got, wantSuffix)
		}
		if !strings.HasPrefix(got, "https://o.test/root/app") {
			t.Errorf("Resolve(%q) = %q, not anchored at base segment", p, got)
		}
	}
}

func TestResolveSegmentMissingFromBase(t *testing.T) {
	// best effort: anchor at base + segment
	got := Resolve("/app/index.html", "https://o.test", "app")
	if got != "https://o.test/app/index.html" {
		t.Fatalf("resolved to %s", got)
	}
}

func TestResolveNeverEmpty(t *testing.T) {
	if got := Resolve("", "", ""); got == "" {
		t.Fatal("expected best-effort non-empty result")
	}
}
