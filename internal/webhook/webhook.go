// Package webhook parses inbound S3-style event-notification JSON into
// invalidation events and publishes them on the bus, rate-limited against
// abusive or misconfigured senders. Its event fields are modeled on
// O-tero-Distributed-Caching-System's invalidation/service.go
// (InvalidateKey/InvalidatePattern), adapted from that repo's Encore API
// endpoints to a plain net/http handler.
package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"github.com/scttfrdmn/s3cacheproxy/internal/bus"
	"github.com/scttfrdmn/s3cacheproxy/internal/logging"
)

// record is one entry of an S3-style event-notification payload:
//
//	{"Records": [{"s3": {"bucket": {"name": "..."}, "object": {"key": "..."}}, "eventName": "..."}]}
type record struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key       string `json:"key"`
			VersionID string `json:"versionId"`
		} `json:"object"`
	} `json:"s3"`
}

type notification struct {
	Records []record `json:"Records"`
}

// Handler serves the invalidation webhook endpoint.
type Handler struct {
	bus     *bus.Bus
	limiter *rate.Limiter
	logf    logging.Logf
}

// Config configures a webhook Handler.
type Config struct {
	// RatePerSecond and Burst bound the rate of accepted webhook deliveries;
	// requests beyond the limit receive 429.
	RatePerSecond float64
	Burst         int
	Logf          logging.Logf
}

// New constructs a webhook Handler publishing onto b.
func New(cfg Config, b *bus.Bus) *Handler {
	if cfg.Logf == nil {
		cfg.Logf = logging.Discard
	}
	rps := cfg.RatePerSecond
	if rps <= 0 {
		rps = 50
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 100
	}
	return &Handler{bus: b, limiter: rate.NewLimiter(rate.Limit(rps), burst), logf: cfg.Logf}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.limiter.Allow() {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		http.Error(w, "malformed event notification: "+err.Error(), http.StatusBadRequest)
		return
	}

	published := 0
	for _, rec := range n.Records {
		if rec.S3.Bucket.Name == "" {
			h.logf("webhook: discarding record with no bucket name (event=%q id=%s)", rec.EventName, uuid.NewString())
			continue
		}
		h.bus.Publish(bus.NewInvalidationEvent(rec.S3.Bucket.Name, rec.S3.Object.Key, rec.S3.Object.VersionID, "webhook:"+rec.EventName))
		published++
	}

	w.WriteHeader(http.StatusAccepted)
	h.logf("webhook: published %d invalidation event(s) from %d record(s)", published, len(n.Records))
}
