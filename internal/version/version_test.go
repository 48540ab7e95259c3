package version

import "testing"

func TestInfoString(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{Version: "v1.2.0"}, "v1.2.0"},
		{Info{Version: "v1.2.0", Commit: "abc"}, "v1.2.0 (abc)"},
		{Info{Version: "devel", Commit: "0123456789abcdef"}, "devel (0123456789ab)"},
	}
	for _, tt := range tests {
		if got := tt.info.String(); got != tt.want {
			t.Fatalf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestResolvePrefersLdflags(t *testing.T) {
	oldV, oldC := Version, Commit
	t.Cleanup(func() { Version, Commit = oldV, oldC })

	Version, Commit = "v9.9.9", "feedface"
	info := Resolve()
	if info.Version != "v9.9.9" || info.Commit != "feedface" {
		t.Fatalf("resolve: %+v", info)
	}

	Version = ""
	if Resolve().Version == "" {
		t.Fatal("version must never be empty")
	}
}
