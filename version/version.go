// Package version carries build identity stamped in at link time:
//
//	go build -ldflags "\
//	  -X github.com/teranos/relay/version.Version=v1.2.0 \
//	  -X github.com/teranos/relay/version.CommitHash=$(git rev-parse HEAD) \
//	  -X github.com/teranos/relay/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
//
// Untagged builds report "dev". Workers advertise Version at registration;
// the broker's min_worker_version gate compares it as semver, so only tagged
// builds pass a configured gate.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of a tagged build, or "dev"
	Version = "dev"

	// CommitHash is the git commit the binary was built from
	CommitHash = "dev"

	// BuildTime is the UTC build timestamp
	BuildTime = "unknown"
)

// Info is the full build identity, JSON-ready for the version command and
// the health endpoint.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get snapshots the build identity of the running binary.
func Get() Info {
	return Info{
		Version:    Version,
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// String renders the identity the way `relay version` prints it.
func (i Info) String() string {
	return fmt.Sprintf("relay %s (commit %s, built %s)", i.Version, i.Short(), i.BuildTime)
}

// Short returns the abbreviated commit hash.
func (i Info) Short() string {
	if len(i.CommitHash) > 7 {
		return i.CommitHash[:7]
	}
	return i.CommitHash
}
