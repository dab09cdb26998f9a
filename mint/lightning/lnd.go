package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	LndHostEnv         = "LND_REST_HOST"
	LndCertPathEnv     = "LND_CERT_PATH"
	LndMacaroonPathEnv = "LND_MACAROON_PATH"
)

const LndInvoiceExpiryMins = 10

// LndClient talks to LND's REST API, authenticating with a hex-encoded
// admin or invoice macaroon.
type LndClient struct {
	host         string
	tlsCertPath  string
	macaroonPath string
	macaroon     string
	client       *http.Client
}

func NewLndClient() (*LndClient, error) {
	host := os.Getenv(LndHostEnv)
	if host == "" {
		return nil, errors.New(LndHostEnv + " cannot be empty")
	}
	certPath := os.Getenv(LndCertPathEnv)
	if certPath == "" {
		return nil, errors.New(LndCertPathEnv + " cannot be empty")
	}
	macaroonPath := os.Getenv(LndMacaroonPathEnv)
	if macaroonPath == "" {
		return nil, errors.New(LndMacaroonPathEnv + " cannot be empty")
	}

	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: %v", err)
	}

	lnd := &LndClient{
		host:         host,
		tlsCertPath:  certPath,
		macaroonPath: macaroonPath,
		macaroon:     hex.EncodeToString(macaroonBytes),
	}
	lnd.client = lnd.newHTTPClient()
	return lnd, nil
}

func (lnd *LndClient) newHTTPClient() *http.Client {
	cert, _ := os.ReadFile(lnd.tlsCertPath)
	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(cert)

	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: certPool},
		},
	}
}

func (lnd *LndClient) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
	var reqBody *bytes.Buffer
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Grpc-Metadata-macaroon", lnd.macaroon)
	return lnd.client.Do(req)
}

func (lnd *LndClient) ConnectionStatus() error {
	resp, err := lnd.do(context.Background(), http.MethodGet, lnd.host+"/v1/getinfo", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lnd: unexpected status %v from getinfo", resp.StatusCode)
	}
	return nil
}

func (lnd *LndClient) CreateInvoice(amount uint64) (Invoice, error) {
	body := map[string]any{"value": amount, "expiry": LndInvoiceExpiryMins * 60}

	resp, err := lnd.do(context.Background(), http.MethodPost, lnd.host+"/v1/invoices", body)
	if err != nil {
		return Invoice{}, fmt.Errorf("lnd.CreateInvoice: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		PaymentRequest string `json:"payment_request"`
		RHash          string `json:"r_hash"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, fmt.Errorf("lnd.CreateInvoice: decoding response: %v", err)
	}

	return Invoice{
		PaymentRequest: res.PaymentRequest,
		PaymentHash:    res.RHash,
		Amount:         amount,
		Expiry:         uint64(time.Now().Add(LndInvoiceExpiryMins * time.Minute).Unix()),
	}, nil
}

func (lnd *LndClient) InvoiceStatus(hash string) (Invoice, error) {
	encodedHash := strings.ReplaceAll(strings.ReplaceAll(hash, "/", "_"), "+", "-")
	url := lnd.host + "/v2/invoices/lookup?payment_hash=" + encodedHash

	resp, err := lnd.do(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		return Invoice{}, fmt.Errorf("lnd.InvoiceStatus: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		State       string `json:"state"`
		PaymentHash string `json:"payment_hash"`
		Value       string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Invoice{}, fmt.Errorf("lnd.InvoiceStatus: decoding response: %v", err)
	}

	return Invoice{PaymentHash: hash, Settled: res.State == "SETTLED"}, nil
}

func (lnd *LndClient) FeeReserve(amount uint64) uint64 {
	return (amount * FeePercent) / 100
}

func (lnd *LndClient) SendPayment(ctx context.Context, request string, feeReserve uint64) (PaymentStatus, error) {
	body := map[string]any{"payment_request": request, "fee_limit_sat": feeReserve}

	resp, err := lnd.do(ctx, http.MethodPost, lnd.host+"/v1/channels/transactions", body)
	if err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("lnd.SendPayment: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		PaymentError    string `json:"payment_error"`
		PaymentPreimage string `json:"payment_preimage"`
		PaymentRoute    struct {
			TotalFeesMsat string `json:"total_fees_msat"`
		} `json:"payment_route"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{PaymentStatus: Pending}, fmt.Errorf("lnd.SendPayment: decoding response: %v", err)
	}

	if res.PaymentError != "" {
		return PaymentStatus{PaymentStatus: Failed}, fmt.Errorf("lnd payment failed: %v", res.PaymentError)
	}

	feePaid := feeReserve
	if feesMsat, err := strconv.ParseUint(res.PaymentRoute.TotalFeesMsat, 10, 64); err == nil {
		feePaid = feesMsat / 1000
	}

	return PaymentStatus{Preimage: res.PaymentPreimage, PaymentStatus: Succeeded, FeePaid: feePaid}, nil
}

func (lnd *LndClient) OutgoingPaymentStatus(ctx context.Context, hash string) (PaymentStatus, error) {
	url := lnd.host + "/v1/payments?include_incomplete=true"

	resp, err := lnd.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return PaymentStatus{}, fmt.Errorf("lnd.OutgoingPaymentStatus: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		Payments []struct {
			PaymentHash string `json:"payment_hash"`
			Status      string `json:"status"`
			Preimage    string `json:"payment_preimage"`
		} `json:"payments"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return PaymentStatus{}, fmt.Errorf("lnd.OutgoingPaymentStatus: decoding response: %v", err)
	}

	for _, p := range res.Payments {
		if p.PaymentHash != hash {
			continue
		}
		switch p.Status {
		case "SUCCEEDED":
			return PaymentStatus{Preimage: p.Preimage, PaymentStatus: Succeeded}, nil
		case "FAILED":
			return PaymentStatus{PaymentStatus: Failed}, nil
		default:
			return PaymentStatus{PaymentStatus: Pending}, nil
		}
	}

	return PaymentStatus{}, OutgoingPaymentNotFound
}
