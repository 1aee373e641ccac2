// Package buildinfo provides build-time properties injected via ldflags.
//
// Binaries built with plain `go build` fall back to the module version and VCS stamp
// recorded by the Go toolchain:
//
//	go build -ldflags "-X github.com/nomis52/goquest/buildinfo.version=v1.2.0 \
//		-X github.com/nomis52/goquest/buildinfo.gitCommit=$(git rev-parse HEAD)"
package buildinfo

import (
	"runtime/debug"
	"sync"
)

const (
	unknown = "unknown"
	product = "goquest"
)

// Properties holds build-time properties injected via ldflags.
type Properties struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
}

// Package-level variables for ldflags injection (unexported).
var (
	version   = unknown
	buildTime = unknown
	gitCommit = unknown
)

var (
	once  sync.Once
	props Properties
)

// Get returns the current build properties.
func Get() Properties {
	once.Do(func() {
		props = resolve(Properties{Version: version, BuildTime: buildTime, GitCommit: gitCommit}, debug.ReadBuildInfo)
	})
	return props
}

// UserAgent is the User-Agent sent by goquest's HTTP clients.
func UserAgent() string {
	return product + "/" + Get().Version
}

// resolve fills properties left unset by ldflags from the toolchain's build info.
func resolve(p Properties, read func() (*debug.BuildInfo, bool)) Properties {
	info, ok := read()
	if !ok {
		return p
	}
	if p.Version == unknown && info.Main.Version != "" && info.Main.Version != "(devel)" {
		p.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && p.GitCommit == unknown:
			p.GitCommit = s.Value
		case s.Key == "vcs.time" && p.BuildTime == unknown:
			p.BuildTime = s.Value
		}
	}
	return p
}
