// ABOUTME: Tests for build version information
// ABOUTME: Checks the product and version string used by -version
package version

import "testing"

func TestString(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"dev", "voicelink dev"},
		{"1.2.3", "voicelink 1.2.3"},
	}

	saved := Version
	t.Cleanup(func() { Version = saved })

	for _, tt := range tests {
		Version = tt.version
		if got := String(); got != tt.want {
			t.Errorf("String() with Version %q = %q, want %q", tt.version, got, tt.want)
		}
	}
}
