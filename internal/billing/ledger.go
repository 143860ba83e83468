package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepinsight-ai/deepinsight/config"
)

// Ledger debits credits from a user account. Implementations must be safe for
// concurrent use; a Charge error never reverses a delivered analysis.
type Ledger interface {
	Charge(ctx context.Context, ownerID string, credits int, reportID string) error
}

// HTTPLedger charges credits through the billing service's HTTP API.
type HTTPLedger struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPLedger(cfg config.BillingConfig) *HTTPLedger {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPLedger{
		baseURL: cfg.LedgerURL,
		token:   cfg.LedgerToken,
		http:    &http.Client{Timeout: timeout},
	}
}

// Charge posts a debit for one delivered report. The report ID doubles as the
// idempotency key so retries cannot double-charge.
func (l *HTTPLedger) Charge(ctx context.Context, ownerID string, credits int, reportID string) error {
	body, err := json.Marshal(map[string]interface{}{
		"owner_id":  ownerID,
		"credits":   credits,
		"report_id": reportID,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", l.baseURL+"/charges", bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", reportID)
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}
	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ledger status %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}
