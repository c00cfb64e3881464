package specifier

import (
	"fmt"
	"testing"
)

const registryBase = "https://registry.npmjs.org"

func TestParse(t *testing.T) {
	tests := []struct {
		name          string
		bareSpecifier string
		alias         string
		want          Specifier
	}{
		{
			name:          "npm alias exact version",
			bareSpecifier: "npm:react@18.2.0",
			want:          Specifier{Kind: KindExactVersion, Name: "react", Version: "18.2.0"},
		},
		{
			name:          "npm alias tag",
			bareSpecifier: "npm:react@beta",
			want:          Specifier{Kind: KindTag, Name: "react", Tag: "beta"},
		},
		{
			name:          "npm alias no at-sign",
			bareSpecifier: "npm:@",
			want:          Specifier{Kind: KindTag, Name: "@", Tag: "latest"},
		},
		{
			name:          "npm alias empty range",
			bareSpecifier: "npm:react@",
			want:          Specifier{Kind: KindRange, Name: "react", Range: "*"},
		},
		{
			name:          "alias with caret range",
			bareSpecifier: "^18.2.0",
			alias:         "react",
			want:          Specifier{Kind: KindRange, Name: "react", Range: "^18.2.0"},
		},
		{
			name:          "alias with tilde range",
			bareSpecifier: "~1.2.3",
			alias:         "pkg",
			want:          Specifier{Kind: KindRange, Name: "pkg", Range: "~1.2.3"},
		},
		{
			name:          "alias with exact version",
			bareSpecifier: "1.2.3",
			alias:         "pkg",
			want:          Specifier{Kind: KindExactVersion, Name: "pkg", Version: "1.2.3"},
		},
		{
			name:          "exact version strips build metadata",
			bareSpecifier: "1.2.3+build.5",
			alias:         "pkg",
			want:          Specifier{Kind: KindExactVersion, Name: "pkg", Version: "1.2.3"},
		},
		{
			name:          "alias with dist-tag",
			bareSpecifier: "latest",
			alias:         "pkg",
			want:          Specifier{Kind: KindTag, Name: "pkg", Tag: "latest"},
		},
		{
			name:          "alias with empty specifier",
			bareSpecifier: "",
			alias:         "pkg",
			want:          Specifier{Kind: KindRange, Name: "pkg", Range: "*"},
		},
		{
			name:          "registry tarball URL",
			bareSpecifier: registryBase + "/left-pad/-/left-pad-1.3.0.tgz",
			want: Specifier{
				Kind:    KindRegistryTarball,
				Name:    "left-pad",
				Version: "1.3.0",
				URL:     registryBase + "/left-pad/-/left-pad-1.3.0.tgz",
			},
		},
		{
			name:          "scoped registry tarball URL",
			bareSpecifier: registryBase + "/@scope/widget/-/widget-2.1.0.tgz",
			want: Specifier{
				Kind:    KindRegistryTarball,
				Name:    "@scope/widget",
				Version: "2.1.0",
				URL:     registryBase + "/@scope/widget/-/widget-2.1.0.tgz",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.bareSpecifier, tt.alias, "latest", registryBase)
			if !ok {
				t.Fatalf("Parse(%q, %q) returned ok=false", tt.bareSpecifier, tt.alias)
			}
			if got != tt.want {
				t.Errorf("Parse(%q, %q) = %+v, want %+v", tt.bareSpecifier, tt.alias, got, tt.want)
			}
		})
	}
}

func TestParseArg(t *testing.T) {
	tests := []struct {
		arg  string
		want Specifier
	}{
		{
			arg:  "react",
			want: Specifier{Kind: KindTag, Name: "react", Tag: "latest"},
		},
		{
			arg:  "react@^18",
			want: Specifier{Kind: KindRange, Name: "react", Range: "^18"},
		},
		{
			arg:  "left-pad@1.3.0",
			want: Specifier{Kind: KindExactVersion, Name: "left-pad", Version: "1.3.0"},
		},
		{
			arg:  "@types/node@20.1.0",
			want: Specifier{Kind: KindExactVersion, Name: "@types/node", Version: "20.1.0"},
		},
		{
			arg:  "@scope/pkg",
			want: Specifier{Kind: KindTag, Name: "@scope/pkg", Tag: "latest"},
		},
		{
			arg:  "typescript@beta",
			want: Specifier{Kind: KindTag, Name: "typescript", Tag: "beta"},
		},
		{
			arg: registryBase + "/is-positive/-/is-positive-1.0.0.tgz",
			want: Specifier{
				Kind: KindRegistryTarball, Name: "is-positive", Version: "1.0.0",
				URL: registryBase + "/is-positive/-/is-positive-1.0.0.tgz",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			got, ok := ParseArg(tt.arg, "latest", registryBase)
			if !ok {
				t.Fatalf("ParseArg(%q) returned ok=false", tt.arg)
			}
			if got != tt.want {
				t.Errorf("ParseArg(%q) = %+v, want %+v", tt.arg, got, tt.want)
			}
		})
	}
}

func TestParseUnparseable(t *testing.T) {
	if _, ok := Parse("https://example.com/some/random.tgz", "", "latest", registryBase); ok {
		t.Fatalf("expected ok=false for a URL outside the registry base")
	}
}

func TestNormalizeEmptySpecifier(t *testing.T) {
	got, ok := Normalize(DependencyEntry{Alias: "react", BareSpecifier: ""}, "latest", registryBase)
	if !ok {
		t.Fatalf("Normalize returned ok=false")
	}
	want := Specifier{Kind: KindTag, Name: "react", Tag: "latest"}
	if got != want {
		t.Errorf("Normalize() = %+v, want %+v", got, want)
	}
}

func TestValidatePackageName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"left-pad", true},
		{"@scope/widget", true},
		{"UpperCase", false},
		{"", false},
		{"@scope/", false},
		{"a", true},
	}
	for _, tt := range tests {
		if got := ValidatePackageName(tt.name); got != tt.want {
			t.Errorf("ValidatePackageName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestParseIdempotence(t *testing.T) {
	specs := []string{"^18.2.0", "1.2.3", "latest", "npm:react@beta"}
	for _, s := range specs {
		first, ok := Parse(s, "pkg", "latest", registryBase)
		if !ok {
			t.Fatalf("Parse(%q) returned ok=false", s)
		}
		canonical := fmt.Sprintf("npm:%s", first.String())
		second, ok := Parse(canonical, "", "latest", registryBase)
		if !ok {
			t.Fatalf("re-Parse(%q) returned ok=false", canonical)
		}
		if first != second {
			t.Errorf("Parse not idempotent for %q: first=%+v second=%+v", s, first, second)
		}
	}
}
