package version

import (
	"fmt"
	"strings"
)

// Set at build time with -ldflags "-X signdesk/internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = ""
)

type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time,omitempty"`
}

func Current() Info {
	out := Info{
		Version:   strings.TrimSpace(Version),
		Commit:    strings.TrimSpace(Commit),
		BuildTime: strings.TrimSpace(BuildTime),
	}
	if out.Version == "" {
		out.Version = "dev"
	}
	if out.Commit == "" {
		out.Commit = "unknown"
	}
	return out
}

func (i Info) String() string {
	if i.BuildTime == "" {
		return fmt.Sprintf("signdesk %s (%s)", i.Version, i.Commit)
	}
	return fmt.Sprintf("signdesk %s (%s, built %s)", i.Version, i.Commit, i.BuildTime)
}

// UserAgent identifies outbound webhook calls.
func UserAgent() string {
	return "signdesk-webhook/" + Current().Version
}
