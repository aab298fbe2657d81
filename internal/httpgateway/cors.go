package httpgateway

import (
	"net/http"

	"github.com/3liz/qjazz-gateway/internal/config"
)

// owsForwardServiceURLHeaders is the fixed allowlist of request headers a
// preflight may announce: the X-Qgis-*-Service-Url headers plus
// Authorization, Content-Type, X-Qgis-Project and X-Request-Id.
var owsForwardServiceURLHeaders = []string{
	"X-Qgis-Wms-Service-Url",
	"X-Qgis-Wfs-Service-Url",
	"X-Qgis-Wcs-Service-Url",
	"X-Qgis-Wmts-Service-Url",
	"Authorization",
	"Content-Type",
	"X-Qgis-Project",
	"X-Request-Id",
}

// applyCORS sets the CORS response headers for one request/response pair
// per cfg.CrossOrigin, and reports whether the request was a preflight
// OPTIONS that has now been fully answered.
func applyCORS(w http.ResponseWriter, r *http.Request, cfg config.BackendConfig) (handled bool) {
	origin := r.Header.Get("Origin")

	switch cfg.CrossOrigin {
	case config.CrossOriginAll:
		w.Header().Set("Access-Control-Allow-Origin", "*")
	case config.CrossOriginURL:
		if cfg.CrossOriginURL != "" {
			w.Header().Set("Access-Control-Allow-Origin", cfg.CrossOriginURL)
		}
	case config.CrossOriginSameOrigin:
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	default:
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
	}

	if r.Method != http.MethodOptions {
		return false
	}

	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
	for _, h := range owsForwardServiceURLHeaders {
		w.Header().Add("Access-Control-Allow-Headers", h)
	}
	w.WriteHeader(http.StatusNoContent)
	return true
}
