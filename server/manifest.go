package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/k64z/tek-s3/catalog"
)

// handleManifest streams one pre-serialized catalog representation. The
// download lock is held until the body is written out, so the serializer
// cannot swap the buffers under an in-flight response.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request, binary bool) {
	buffers := s.store.AcquireDownload()
	defer s.store.ReleaseDownload()

	modified := time.Unix(buffers.Timestamp, 0).UTC()
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		// Only the exact IMF-fixdate form counts; anything else is
		// treated as no header at all.
		if t, err := time.Parse(http.TimeFormat, ims); err == nil && !modified.After(t) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	enc := &buffers.JSON
	contentType := "application/json; charset=utf-8"
	if binary {
		enc = &buffers.Binary
		contentType = "application/octet-stream"
	}

	body, encoding := negotiateEncoding(r.Header.Get("Accept-Encoding"), enc)

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Last-Modified", modified.Format(http.TimeFormat))
	if encoding != "" {
		h.Set("Content-Encoding", encoding)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// negotiateEncoding picks the smallest pre-computed variant whose token
// appears in the Accept-Encoding value. Matching is plain substring
// search; quality values are not interpreted.
func negotiateEncoding(accept string, enc *catalog.Encoded) (body []byte, encoding string) {
	body = enc.Identity
	if accept == "" {
		return body, ""
	}
	pick := func(token string, data []byte) {
		if data != nil && len(data) < len(body) && strings.Contains(accept, token) {
			body, encoding = data, token
		}
	}
	pick("deflate", enc.Deflate)
	pick("br", enc.Brotli)
	pick("zstd", enc.Zstd)
	return body, encoding
}
