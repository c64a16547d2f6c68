package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

var (
	// Set at build time with -ldflags:
	// -X github.com/lkarlslund/chatbridge/pkg/version.Version=vX.Y.Z
	// -X github.com/lkarlslund/chatbridge/pkg/version.Commit=<sha>
	// -X github.com/lkarlslund/chatbridge/pkg/version.Date=<rfc3339>
	Version = "dev"
	Commit  = ""
	Date    = ""
)

const Name = "chatbridge"

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		v := strings.TrimSpace(s.Value)
		switch {
		case s.Key == "vcs.revision" && info.Commit == "":
			info.Commit = v
		case s.Key == "vcs.time" && info.Date == "":
			info.Date = v
		case s.Key == "vcs.modified":
			info.Dirty = strings.EqualFold(v, "true")
		}
	}
	return info
}

func String() string {
	v := Current()
	out := v.Version
	if v.Commit != "" {
		out += "+" + shortCommit(v.Commit)
	}
	if v.Dirty {
		out += "+dirty"
	}
	return out
}

func Detailed() string {
	v := Current()
	out := fmt.Sprintf("%s %s", Name, String())
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
