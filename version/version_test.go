package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	dev := Info{CommitHash: "0123456789abcdef", BuildTime: "now", Version: "dev"}
	if dev.Tagged() {
		t.Fatal("dev build reported as tagged")
	}
	if got := dev.String(); got != "sluice dev (commit 0123456, built now)" {
		t.Fatalf("unexpected dev string %q", got)
	}

	tagged := Info{CommitHash: "abc", BuildTime: "now", Version: "v1.2.3"}
	if !tagged.Tagged() {
		t.Fatal("v1.2.3 not reported as tagged")
	}
	if got := tagged.String(); !strings.HasPrefix(got, "sluice v1.2.3 (commit abc") {
		t.Fatalf("unexpected tagged string %q", got)
	}
}

func TestGetFillsRuntime(t *testing.T) {
	info := Get()
	if info.GoVersion == "" || info.Platform == "" {
		t.Fatalf("runtime fields empty: %+v", info)
	}
}
