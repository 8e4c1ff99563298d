package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/terminal-bench/settledrain/internal/guard"
)

// ProviderClient issues the actual downstream settlement call. The
// controller never sees this interface; workers call it outside the
// controller lock and feed the outcome back through RecordResult.
type ProviderClient interface {
	Settle(ctx context.Context, item guard.Item) error
}

// HTTPProviderClient retries a settlement against a provider gateway
// over HTTP. Anything other than a 2xx response is a failure.
type HTTPProviderClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProviderClient(baseURL string) *HTTPProviderClient {
	return &HTTPProviderClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type settleRequest struct {
	ChargeID       string `json:"charge_id"`
	TransactionID  string `json:"transaction_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Amount         string `json:"amount"`
}

func (c *HTTPProviderClient) Settle(ctx context.Context, item guard.Item) error {
	body, err := json.Marshal(settleRequest{
		ChargeID:       item.ChargeID,
		TransactionID:  item.TransactionID,
		IdempotencyKey: item.IdempotencyKey,
		Amount:         item.Amount.String(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal settle request")
	}

	url := fmt.Sprintf("%s/providers/%s/settle", c.baseURL, item.ProviderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build settle request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.IdempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "settle call")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("provider %s returned %d", item.ProviderID, resp.StatusCode)
	}
	return nil
}
