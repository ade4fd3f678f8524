package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/crucible"
)

// BuildInfo is stamped into the binary by ldflags.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
}

// BotInfo identifies the Telegram account this process answers for.
type BotInfo struct {
	Username string `json:"username"`
	ID       int64  `json:"id"`
}

// trackedModules are reported under dependencies when the binary carries
// module build info.
var trackedModules = map[string]string{
	"github.com/go-telegram-bot-api/telegram-bot-api/v5": "telegram_bot_api",
	"github.com/go-chi/chi/v5":                           "chi",
	"github.com/tursodatabase/go-libsql":                 "libsql",
}

var (
	versionMu   sync.RWMutex
	build       = BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
	appIdentity *appidentity.Identity
	bot         *BotInfo
	startedAt   = time.Now()
)

// SetBuildInfo records the ldflags build stamp.
func SetBuildInfo(info BuildInfo) {
	versionMu.Lock()
	defer versionMu.Unlock()
	build = info
}

// SetAppIdentity sets the identity whose binary name is reported.
func SetAppIdentity(identity *appidentity.Identity) {
	versionMu.Lock()
	defer versionMu.Unlock()
	appIdentity = identity
}

// SetBot records the account returned by getMe and restarts the uptime clock.
func SetBot(info BotInfo, started time.Time) {
	versionMu.Lock()
	defer versionMu.Unlock()
	bot = &info
	startedAt = started
}

// VersionResponse is the body of GET /version.
type VersionResponse struct {
	App          AppInfo           `json:"app"`
	Bot          *BotInfo          `json:"bot,omitempty"`
	Dependencies map[string]string `json:"dependencies"`
	Runtime      RuntimeInfo       `json:"runtime"`
}

// AppInfo is the build stamp plus the binary name.
type AppInfo struct {
	Name string `json:"name"`
	BuildInfo
}

// RuntimeInfo describes the running process.
type RuntimeInfo struct {
	Platform      string `json:"platform"`
	GoVersion     string `json:"go_version"`
	NumGoroutines int    `json:"num_goroutines"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func binaryName(identity *appidentity.Identity) string {
	if identity != nil && identity.BinaryName != "" {
		return identity.BinaryName
	}
	if len(os.Args) > 0 && os.Args[0] != "" {
		return filepath.Base(os.Args[0])
	}
	return "unknown"
}

func dependencyVersions() map[string]string {
	fulmen := crucible.GetVersion()
	deps := map[string]string{
		"gofulmen": fulmen.Gofulmen,
		"crucible": fulmen.Crucible,
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return deps
	}
	for _, mod := range info.Deps {
		name, tracked := trackedModules[mod.Path]
		if !tracked {
			continue
		}
		version := mod.Version
		if mod.Replace != nil {
			version = mod.Replace.Version
		}
		deps[name] = version
	}
	return deps
}

// VersionHandler reports the build, the bot account and process uptime.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	response := VersionResponse{
		App: AppInfo{Name: binaryName(appIdentity), BuildInfo: build},
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		},
	}
	if bot != nil {
		copied := *bot
		response.Bot = &copied
	}
	versionMu.RUnlock()

	response.Dependencies = dependencyVersions()
	respondJSON(w, http.StatusOK, response)
}
