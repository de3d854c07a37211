// ABOUTME: Build version information
// ABOUTME: Overridable at link time with -ldflags -X
package version

// Set with -ldflags "-X github.com/Resonate-Protocol/voicelink/internal/version.Version=1.2.3"
var (
	Version = "dev"
	Product = "voicelink"
)

// String returns "product version"
func String() string {
	return Product + " " + Version
}
