package daemon

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/compliancewatch/appliance/internal/queue"
)

// queueEndpoints maps an offline-queue entry kind to the Central Command
// path it is delivered to. Unrecognized kinds fall back to a generic
// queue-intake path rather than being silently dropped.
var queueEndpoints = map[string]string{
	"evidence":     "/api/evidence/sites/%s/submit",
	"pattern_stat": "/api/agent/sync/pattern-stats",
	"telemetry":    "/api/agent/executions",
}

// newQueueSender builds the queue.Sender the offline queue uses to attempt
// delivery of one entry. It never blocks on retry itself — the queue owns
// backoff and dead-lettering, this just reports the HTTP outcome.
func (d *Daemon) newQueueSender() queue.Sender {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConns:        5,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	return func(kind string, payload []byte) (int, error) {
		path, ok := queueEndpoints[kind]
		if !ok {
			path = "/api/agent/queue/" + kind
		}
		if strings.Contains(path, "%s") {
			path = fmt.Sprintf(path, d.config.SiteID)
		}

		req, err := http.NewRequest(http.MethodPost, strings.TrimRight(d.config.APIEndpoint, "/")+path, bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+d.config.APIKey)

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		return resp.StatusCode, nil
	}
}

// runQueueSender periodically drains the offline queue: one delivery pass
// per tick, plus a once-a-day compaction of the previous day's WAL
// segment so delivered/dead-lettered entries stop taking up disk space.
func (d *Daemon) runQueueSender(ctx context.Context) {
	if d.offlineQueue == nil {
		return
	}
	send := d.newQueueSender()

	deliverTicker := time.NewTicker(15 * time.Second)
	defer deliverTicker.Stop()
	compactTicker := time.NewTicker(24 * time.Hour)
	defer compactTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deliverTicker.C:
			d.offlineQueue.Deliver(send)
		case <-compactTicker.C:
			yesterday := time.Now().UTC().Add(-24 * time.Hour)
			if err := d.offlineQueue.CompactSegment(yesterday); err != nil {
				log.Printf("[queue] compaction failed: %v", err)
			}
		}
	}
}
