// Package enrich binds the external enrichment capability to the runner.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-pipeline/internal/model"
	"github.com/sells-group/prospect-pipeline/internal/resilience"
)

// WebhookEnricher invokes an external enrichment service over HTTP. The
// coordination core never inspects what the service does with a record —
// only whether the attempt succeeded.
type WebhookEnricher struct {
	url    string
	client *http.Client
}

// NewWebhook creates an enricher posting records to url.
func NewWebhook(url string, timeout time.Duration) *WebhookEnricher {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WebhookEnricher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Enrich posts the record and maps the response onto the error taxonomy:
// 5xx and transport failures are transient (retryable infrastructure),
// other non-2xx statuses are business failures routed to the retry policy.
func (e *WebhookEnricher) Enrich(ctx context.Context, rec model.ProspectRecord) error {
	payload, err := json.Marshal(map[string]string{
		"prospect_id": rec.ID,
		"domain":      rec.Domain,
		"name":        rec.Name,
	})
	if err != nil {
		return eris.Wrap(err, "enrich: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "enrich: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "enrich: post"))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	cause := eris.Errorf("enrich: %s returned %d: %s", e.url, resp.StatusCode, string(body))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resilience.NewTransientError(cause)
	}
	return cause
}
