package proxy

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/faucetdb/sluice/internal/apierr"
)

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// callerHeaders carry the caller's own credentials or client-supplied
// forwarding claims the upstream must not trust.
var callerHeaders = []string{
	"Authorization",
	"Cookie",
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
	"X-Real-Ip",
}

func copyRequestHeaders(dst, src http.Header, apiKeyHeader string) {
	for k, vv := range src {
		dst[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(dst)
	for _, h := range callerHeaders {
		dst.Del(h)
	}
	dst.Del(apiKeyHeader)
}

func copyResponseHeaders(dst, src http.Header) {
	clean := src.Clone()
	removeHopHeaders(clean)
	clean.Del(apierr.LayerHeader)
	for k, vv := range clean {
		dst[k] = vv
	}
}

// urlHeaders carry URLs an upstream may build from the request it received,
// query credentials included.
var urlHeaders = []string{"Location", "Content-Location"}

const redacted = "REDACTED"

// scrubSecrets removes injected credentials from response headers. Query
// parameters carrying a secret are dropped from URL headers; any other
// occurrence, raw or escaped, is replaced.
func scrubSecrets(h http.Header, secrets []string) {
	if len(secrets) == 0 {
		return
	}
	for _, name := range urlHeaders {
		vv := h[name]
		for i, v := range vv {
			vv[i] = dropSecretParams(v, secrets)
		}
	}
	for _, vv := range h {
		for i, v := range vv {
			for _, s := range secrets {
				v = strings.ReplaceAll(v, s, redacted)
				v = strings.ReplaceAll(v, url.QueryEscape(s), redacted)
				v = strings.ReplaceAll(v, url.PathEscape(s), redacted)
			}
			vv[i] = v
		}
	}
}

func dropSecretParams(raw string, secrets []string) string {
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return raw
	}
	changed := false
	for name, vals := range q {
		for _, v := range vals {
			if containsSecret(v, secrets) {
				q.Del(name)
				changed = true
				break
			}
		}
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func containsSecret(v string, secrets []string) bool {
	for _, s := range secrets {
		if strings.Contains(v, s) {
			return true
		}
	}
	return false
}

// removeHopHeaders drops hop-by-hop headers, including any named by the
// Connection header.
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func isEventStream(h http.Header) bool {
	mt, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mt == "text/event-stream"
}

// relay copies src to w, stopping after limit bytes when limit is positive.
// Event streams are flushed after every chunk. capture, when non-nil,
// receives a copy of the body. complete reports whether the whole upstream
// body was delivered.
func relay(w *statusWriter, src io.Reader, limit int64, flush bool, capture *bodyCapture) (complete bool, err error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			truncated := false
			if limit > 0 && written+int64(n) > limit {
				chunk = chunk[:limit-written]
				truncated = true
			}
			if _, werr := w.Write(chunk); werr != nil {
				return false, werr
			}
			written += int64(len(chunk))
			if capture != nil {
				capture.add(chunk)
			}
			if flush {
				w.Flush()
			}
			if truncated {
				return false, nil
			}
		}
		if rerr == io.EOF {
			return true, nil
		}
		if rerr != nil {
			return false, rerr
		}
	}
}

// bodyCapture keeps a copy of a relayed body until it outgrows the cache.
type bodyCapture struct {
	buf      bytes.Buffer
	overflow bool
}

func (c *bodyCapture) add(p []byte) {
	if c.overflow {
		return
	}
	if c.buf.Len()+len(p) > maxCachedBody {
		c.overflow = true
		c.buf.Reset()
		return
	}
	c.buf.Write(p)
}
