// Package version holds build-time version info injected via ldflags.
//
// Set at compile time:
//
//	go build -ldflags "-X github.com/NicolasHaas/gorecord/pkg/version.tag=v1.0.0
//	  -X github.com/NicolasHaas/gorecord/pkg/version.commit=abc1234
//	  -X github.com/NicolasHaas/gorecord/pkg/version.date=2026-01-01" ./cmd/server
package version

// Populated by -ldflags "-X ...". Defaults are used for local dev builds.
var (
	tag    = ""
	commit = "unknown"
	date   = "unknown"
)

// String returns the tag, the commit, or "dev", whichever is known first.
func String() string {
	switch {
	case tag != "":
		return tag
	case commit != "unknown":
		return commit
	default:
		return "dev"
	}
}

// Full returns "tag (commit) built date" or a sensible fallback.
func Full() string {
	switch {
	case tag != "":
		return tag + " (" + commit + ") built " + date
	case commit != "unknown":
		return commit + " built " + date
	default:
		return "dev"
	}
}

// Labels returns the build info as metric labels.
func Labels() map[string]string {
	return map[string]string{
		"version": String(),
		"commit":  commit,
		"date":    date,
	}
}
