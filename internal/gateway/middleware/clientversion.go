package middleware

import (
	"net/http"

	"github.com/Masterminds/semver/v3"

	"conduit/internal/gateway/handlers"
	"conduit/pkg/logger"
)

// VersionHeader carries the caller's client version.
const VersionHeader = "X-Client-Version"

// ClientVersion returns a middleware that rejects clients older than
// minVersion with 426 Upgrade Required. Requests without the version
// header pass through, the gate is for known-outdated clients, not for
// anonymous tooling like curl. An empty minVersion disables the gate.
func ClientVersion(minVersion string) func(http.Handler) http.Handler {
	var min *semver.Version
	if minVersion != "" {
		parsed, err := semver.NewVersion(minVersion)
		if err != nil {
			logger.Warn().Err(err).Str("min_version", minVersion).
				Msg("Invalid minimum client version, gate disabled")
		} else {
			min = parsed
		}
	}

	return func(next http.Handler) http.Handler {
		if min == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(VersionHeader)
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			version, err := semver.NewVersion(raw)
			if err != nil {
				handlers.SendError(w, http.StatusBadRequest, handlers.ErrCodeInvalidRequest,
					"malformed "+VersionHeader+" header")
				return
			}

			if version.LessThan(min) {
				w.Header().Set("X-Min-Client-Version", min.String())
				handlers.SendError(w, http.StatusUpgradeRequired, handlers.ErrCodeUpgradeRequired,
					"client version "+version.String()+" is below the minimum "+min.String())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
