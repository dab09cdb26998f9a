package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LNbitsClient talks to a LNbits wallet's REST API, authenticating with
// an admin API key. Grounded on moksha-mint's LNBitsClient, which hits
// the same api/v1/payments endpoint for both invoice creation and
// outgoing payment.
type LNbitsClient struct {
	baseURL  string
	adminKey string
	client   *http.Client
}

func NewLNbitsClient(baseURL, adminKey string) (*LNbitsClient, error) {
	if baseURL == "" || adminKey == "" {
		return nil, errors.New("lnbits: base url and admin key are required")
	}
	return &LNbitsClient{baseURL: baseURL, adminKey: adminKey, client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (lb *LNbitsClient) request(ctx context.Context, method, endpoint string, body any) ([]byte, int, error) {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, lb.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("X-Api-Key", lb.adminKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := lb.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func (lb *LNbitsClient) ConnectionStatus() error {
	_, status, err := lb.request(context.Background(), http.MethodGet, "/api/v1/wallet", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("lnbits: unexpected status %v checking wallet", status)
	}
	return nil
}

func (lb *LNbitsClient) CreateInvoice(amount uint64) (Invoice, error) {
	body := map[string]any{
		"out":    false,
		"amount": amount,
		"unit":   "sat",
		"memo":   "duskmint bolt11 invoice",
		"expiry": ClnInvoiceExpirySecs,
	}

	respBody, status, err := lb.request(context.Background(), http.MethodPost, "/api/v1/payments", body)
	if err != nil {
		return Invoice{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return Invoice{}, fmt.Errorf("lnbits: unexpected status %v creating invoice: %s", status, respBody)
	}

	var res struct {
		PaymentRequest string `json:"payment_request"`
		PaymentHash    string `json:"payment_hash"`
	}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: res.PaymentRequest,
		PaymentHash:    res.PaymentHash,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(ClnInvoiceExpirySecs * time.Second).Unix()),
	}, nil
}

func (lb *LNbitsClient) InvoiceStatus(hash string) (Invoice, error) {
	respBody, status, err := lb.request(context.Background(), http.MethodGet, "/api/v1/payments/"+hash, nil)
	if err != nil {
		return Invoice{}, err
	}
	if status == http.StatusNotFound {
		return Invoice{}, errors.New("lnbits: invoice not found")
	}
	if status != http.StatusOK {
		return Invoice{}, fmt.Errorf("lnbits: unexpected status %v checking invoice: %s", status, respBody)
	}

	var res struct {
		Paid    bool `json:"paid"`
		Details struct {
			Amount int64 `json:"amount"`
		} `json:"details"`
	}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return Invoice{}, err
	}

	return Invoice{PaymentHash: hash, Settled: res.Paid, Amount: uint64(res.Details.Amount / 1000)}, nil
}

func (lb *LNbitsClient) FeeReserve(amount uint64) uint64 {
	return (amount * FeePercent) / 100
}

func (lb *LNbitsClient) SendPayment(ctx context.Context, request string, feeReserve uint64) (PaymentStatus, error) {
	body := map[string]any{"out": true, "bolt11": request}

	respBody, status, err := lb.request(ctx, http.MethodPost, "/api/v1/payments", body)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("lnbits: payment failed with status %v: %s", status, respBody)
	}

	var res struct {
		PaymentHash string `json:"payment_hash"`
	}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	payStatus, err := lb.OutgoingPaymentStatus(ctx, res.PaymentHash)
	if err == nil && payStatus.PaymentStatus == Succeeded && payStatus.FeePaid == 0 {
		// LNbits reports fee msat unreliably across versions; fall back to
		// the full reserve so change computation never overpays the wallet.
		payStatus.FeePaid = feeReserve
	}
	return payStatus, err
}

func (lb *LNbitsClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	respBody, status, err := lb.request(ctx, http.MethodGet, "/api/v1/payments/"+hash, nil)
	if err != nil {
		return PaymentStatus{}, err
	}
	if status == http.StatusNotFound {
		return PaymentStatus{}, OutgoingPaymentNotFound
	}
	if status != http.StatusOK {
		return PaymentStatus{}, fmt.Errorf("lnbits: unexpected status %v checking payment: %s", status, respBody)
	}

	var res struct {
		Paid    bool `json:"paid"`
		Details struct {
			Preimage string `json:"preimage"`
			Fee      int64  `json:"fee"`
		} `json:"details"`
	}
	if err := json.Unmarshal(respBody, &res); err != nil {
		return PaymentStatus{}, err
	}

	if res.Paid {
		feePaid := uint64(0)
		if res.Details.Fee < 0 {
			feePaid = uint64(-res.Details.Fee) / 1000
		}
		return PaymentStatus{Preimage: res.Details.Preimage, PaymentStatus: Succeeded, FeePaid: feePaid}, nil
	}
	return PaymentStatus{PaymentStatus: Pending}, nil
}
