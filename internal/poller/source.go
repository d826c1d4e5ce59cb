package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kasagent/kasagentd/internal/lifecycle"
	"github.com/kasagent/kasagentd/internal/model"
)

// DefaultRequiredConfirmations is how many confirmations a transaction needs
// before the poller reports it confirmed.
const DefaultRequiredConfirmations = 10

// KaspaSource looks up transactions against a Kaspa REST API
// (api.kaspa.org or a self-hosted instance). It implements Source.
type KaspaSource struct {
	baseURL  string
	required int64
	http     *http.Client
}

// NewKaspaSource creates a lookup source for the given REST API base URL,
// e.g. "https://api.kaspa.org". requiredConfirmations <= 0 uses the default.
func NewKaspaSource(baseURL string, requiredConfirmations int64) *KaspaSource {
	if requiredConfirmations <= 0 {
		requiredConfirmations = DefaultRequiredConfirmations
	}
	return &KaspaSource{
		baseURL:  baseURL,
		required: requiredConfirmations,
		http:     &http.Client{Timeout: 10 * time.Second},
	}
}

// kaspaTx is the subset of the REST API transaction response the poller
// needs. Fees are reported in sompi (1 KAS = 1e8 sompi).
type kaspaTx struct {
	IsAccepted         bool   `json:"is_accepted"`
	AcceptingBlockTime int64  `json:"accepting_block_time"`
	Confirmations      int64  `json:"confirmations"`
	FeeSompi           int64  `json:"fee"`
	Error              string `json:"error,omitempty"`
}

// Lookup fetches the transaction. A 404 means the network has not seen the
// txid yet and returns (nil, nil). Any other non-200, and any malformed
// body, is an error so the poller retries instead of mislabeling the
// transaction as failed.
func (s *KaspaSource) Lookup(ctx context.Context, txid string) (*model.ExecutionReceipt, error) {
	url := fmt.Sprintf("%s/transactions/%s?resolve_previous_outpoints=no", s.baseURL, txid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("lookup transaction: status %d: %s", resp.StatusCode, msg)
	}

	var tx kaspaTx
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	return s.toReceipt(txid, tx), nil
}

// toReceipt maps the chain view onto a receipt. Acceptance without enough
// confirmations is pending_confirm; the chain never reports timeout, that
// is the poller's own judgment.
func (s *KaspaSource) toReceipt(txid string, tx kaspaTx) *model.ExecutionReceipt {
	r := &model.ExecutionReceipt{
		Txid:            txid,
		Confirmations:   tx.Confirmations,
		FeeKas:          float64(tx.FeeSompi) / 1e8,
		ConfirmTsSource: model.ProvenanceChain,
	}
	switch {
	case tx.Error != "":
		r.Status = lifecycle.ReceiptFailed
	case !tx.IsAccepted:
		r.Status = lifecycle.ReceiptBroadcasted
	case tx.Confirmations < s.required:
		r.Status = lifecycle.ReceiptPendingConfirm
	default:
		r.Status = lifecycle.ReceiptConfirmed
	}
	return r
}
