package backend

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const userAgent = "authbridge/0.3"

// roundTripper stamps every backend call with a User-Agent and request ID,
// and logs method, URL, status, and latency when debug is on. The oauth2
// flows run through the same wrapped client, so exchange and refresh calls
// get the same treatment as the plain REST ones.
type roundTripper struct {
	base  http.RoundTripper
	log   *logrus.Entry
	debug bool
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Header.Set("User-Agent", userAgent)
	if out.Header.Get("X-Request-ID") == "" {
		out.Header.Set("X-Request-ID", uuid.NewString())
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	start := time.Now()
	resp, err := base.RoundTrip(out)
	if !t.debug {
		return resp, err
	}

	entry := t.log.WithFields(logrus.Fields{
		"method":     out.Method,
		"url":        out.URL.Redacted(),
		"request_id": out.Header.Get("X-Request-ID"),
		"elapsed":    time.Since(start).String(),
	})
	if err != nil {
		entry.WithError(err).Debug("auth backend request failed")
		return resp, err
	}
	entry.WithField("status", resp.StatusCode).Debug("auth backend request")
	return resp, err
}
