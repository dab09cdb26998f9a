package lightning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const ClnInvoiceExpirySecs = 600

type CLNConfig struct {
	RestURL string
	Rune    string
}

type CLNClient struct {
	config CLNConfig
	client *http.Client
}

type clnErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func NewCLNClient(config CLNConfig) (*CLNClient, error) {
	if config.RestURL == "" {
		return nil, errors.New("cln: rest url cannot be empty")
	}
	return &CLNClient{config: config, client: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (cln *CLNClient) post(ctx context.Context, url string, body any) (*http.Response, error) {
	var jsonBody []byte
	if body != nil {
		var err error
		jsonBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Rune", cln.config.Rune)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	return cln.client.Do(req)
}

func clnError(resp *http.Response) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errRes clnErrorResponse
	if err := json.Unmarshal(bodyBytes, &errRes); err != nil {
		return fmt.Errorf("cln: unexpected response %v: %s", resp.StatusCode, bodyBytes)
	}
	return fmt.Errorf("cln: %v", errRes.Message)
}

func (cln *CLNClient) ConnectionStatus() error {
	resp, err := cln.post(context.Background(), cln.config.RestURL+"/v1/getinfo", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return clnError(resp)
	}
	return nil
}

func (cln *CLNClient) CreateInvoice(amount uint64) (Invoice, error) {
	body := map[string]any{
		"amount_msat": amount * 1000,
		"label":       fmt.Sprintf("duskmint-%d-%d", time.Now().UnixNano(), rand.Int()),
		"description": "duskmint bolt11 invoice",
		"expiry":      ClnInvoiceExpirySecs,
	}

	resp, err := cln.post(context.Background(), cln.config.RestURL+"/v1/invoice", body)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Invoice{}, clnError(resp)
	}

	var res struct {
		Bolt11      string `json:"bolt11"`
		PaymentHash string `json:"payment_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, err
	}

	return Invoice{
		PaymentRequest: res.Bolt11,
		PaymentHash:    res.PaymentHash,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(ClnInvoiceExpirySecs * time.Second).Unix()),
	}, nil
}

func (cln *CLNClient) InvoiceStatus(hash string) (Invoice, error) {
	body := map[string]string{"payment_hash": hash}

	resp, err := cln.post(context.Background(), cln.config.RestURL+"/v1/listinvoices", body)
	if err != nil {
		return Invoice{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Invoice{}, clnError(resp)
	}

	var res struct {
		Invoices []struct {
			Bolt11      string `json:"bolt11"`
			PaymentHash string `json:"payment_hash"`
			Preimage    string `json:"payment_preimage"`
			AmountMsat  uint64 `json:"amount_msat"`
			Status      string `json:"status"`
			ExpiresAt   int64  `json:"expires_at"`
		} `json:"invoices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, err
	}
	if len(res.Invoices) == 0 {
		return Invoice{}, errors.New("cln: invoice not found")
	}

	inv := res.Invoices[0]
	return Invoice{
		PaymentRequest: inv.Bolt11,
		PaymentHash:    inv.PaymentHash,
		Preimage:       inv.Preimage,
		Settled:        inv.Status == "paid",
		Amount:         inv.AmountMsat / 1000,
		Expiry:         uint64(inv.ExpiresAt),
	}, nil
}

func (cln *CLNClient) FeeReserve(amount uint64) uint64 {
	return uint64(math.Ceil(float64(amount) * FeePercent / 100))
}

func (cln *CLNClient) SendPayment(ctx context.Context, request string, feeReserve uint64) (PaymentStatus, error) {
	body := map[string]any{"bolt11": request, "maxfee": feeReserve * 1000}

	resp, err := cln.post(ctx, cln.config.RestURL+"/v1/pay", body)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return PaymentStatus{PaymentStatus: Failed}, clnError(resp)
	}

	var res struct {
		Preimage       string `json:"payment_preimage"`
		Status         string `json:"status"`
		AmountMsat     uint64 `json:"amount_msat"`
		AmountSentMsat uint64 `json:"amount_sent_msat"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}

	feePaid := feeReserve
	if res.AmountSentMsat >= res.AmountMsat && res.AmountMsat > 0 {
		feePaid = (res.AmountSentMsat - res.AmountMsat) / 1000
	}

	return PaymentStatus{Preimage: res.Preimage, PaymentStatus: clnStatus(res.Status), FeePaid: feePaid}, nil
}

func (cln *CLNClient) OutgoingPaymentStatus(ctx context.Context, paymentHash string) (PaymentStatus, error) {
	body := map[string]string{"payment_hash": paymentHash}
	resp, err := cln.post(ctx, cln.config.RestURL+"/v1/listpays", body)
	if err != nil {
		return PaymentStatus{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return PaymentStatus{PaymentStatus: Failed}, clnError(resp)
	}

	var res struct {
		Pays []struct {
			Status   string `json:"status"`
			Preimage string `json:"preimage,omitempty"`
		} `json:"pays"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, err
	}
	if len(res.Pays) == 0 {
		return PaymentStatus{}, OutgoingPaymentNotFound
	}

	pay := res.Pays[0]
	return PaymentStatus{Preimage: pay.Preimage, PaymentStatus: clnStatus(pay.Status)}, nil
}

func clnStatus(status string) PaymentResult {
	switch status {
	case "complete":
		return Succeeded
	case "failed":
		return Failed
	default:
		return Pending
	}
}
