package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"evdetect/internal/config"
)

func TestDetectFlagsAlertOverride(t *testing.T) {
	tests := []struct {
		args  []string
		alert *bool
	}{
		{nil, nil},
		{[]string{"-alert", "true"}, ptr(true)},
		{[]string{"-alert=off"}, ptr(false)},
	}

	for _, tt := range tests {
		fs := flag.NewFlagSet("detect", flag.ContinueOnError)
		var f detectFlags
		f.register(fs, true)
		if err := fs.Parse(append(tt.args, "-device", "/dev/video2", "-threshold", "80")); err != nil {
			t.Fatalf("parse %v: %v", tt.args, err)
		}

		opts := f.appOptions()
		if opts.device != "/dev/video2" || opts.threshold != 80 {
			t.Errorf("unexpected options %+v", opts)
		}
		switch {
		case tt.alert == nil && opts.alert != nil:
			t.Errorf("%v: expected no alert override", tt.args)
		case tt.alert != nil && (opts.alert == nil || *opts.alert != *tt.alert):
			t.Errorf("%v: expected alert %v, got %v", tt.args, *tt.alert, opts.alert)
		}
	}
}

func TestDetectFlagsRejectBadAlert(t *testing.T) {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var f detectFlags
	f.register(fs, false)
	if err := fs.Parse([]string{"-alert", "loud"}); err == nil {
		t.Error("expected parse error")
	}
}

func TestTokenSourcePrefersConfiguredToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tok, err := tokenSource(&config.Config{TokenFile: path}).Token()
	if err != nil || tok != "from-file" {
		t.Errorf("expected file token, got %q (%v)", tok, err)
	}

	tok, err = tokenSource(&config.Config{Token: "direct", TokenFile: path}).Token()
	if err != nil || tok != "direct" {
		t.Errorf("expected configured token, got %q (%v)", tok, err)
	}
}

func ptr(b bool) *bool { return &b }
