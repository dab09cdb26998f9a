package onchain

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

// LndGateway drives LND's on-chain wallet endpoints (/v1/newaddress,
// /v2/wallet/tx/fee, /v1/transactions) the same way mint/lightning.LndClient
// drives its invoice/payment endpoints: hex macaroon over REST, TLS
// pinned to LND's self-signed cert.
type LndGateway struct {
	host     string
	macaroon string
	client   *http.Client
}

func NewLndGateway(host, certPath, macaroonPath string) (*LndGateway, error) {
	macaroonBytes, err := os.ReadFile(macaroonPath)
	if err != nil {
		return nil, fmt.Errorf("onchain: reading macaroon: %v", err)
	}

	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("onchain: reading tls cert: %v", err)
	}
	certPool := x509.NewCertPool()
	certPool.AppendCertsFromPEM(cert)

	return &LndGateway{
		host:     host,
		macaroon: hex.EncodeToString(macaroonBytes),
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: certPool}},
		},
	}, nil
}

func (g *LndGateway) do(ctx context.Context, method, url string, body any) (*http.Response, error) {
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
	req.Header.Add("Grpc-Metadata-macaroon", g.macaroon)
	return g.client.Do(req)
}

func (g *LndGateway) NewAddress(ctx context.Context) (string, error) {
	resp, err := g.do(ctx, http.MethodGet, g.host+"/v1/newaddress?type=WITNESS_PUBKEY_HASH", nil)
	if err != nil {
		return "", fmt.Errorf("onchain.NewAddress: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("onchain.NewAddress: decoding response: %v", err)
	}
	return res.Address, nil
}

func (g *LndGateway) SendCoins(ctx context.Context, address string, amountSat uint64, satPerVbyte uint32) (SendResult, error) {
	body := map[string]any{"addr": address, "amount": amountSat, "sat_per_vbyte": satPerVbyte}

	resp, err := g.do(ctx, http.MethodPost, g.host+"/v1/transactions", body)
	if err != nil {
		return SendResult{}, fmt.Errorf("onchain.SendCoins: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		Txid string `json:"txid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return SendResult{}, fmt.Errorf("onchain.SendCoins: decoding response: %v", err)
	}
	return SendResult{Txid: res.Txid}, nil
}

func (g *LndGateway) EstimateFee(ctx context.Context, address string, amountSat uint64) (FeeEstimate, error) {
	body := map[string]any{"AddrToAmount": map[string]uint64{address: amountSat}}

	resp, err := g.do(ctx, http.MethodPost, g.host+"/v2/wallet/tx/fee", body)
	if err != nil {
		return FeeEstimate{}, fmt.Errorf("onchain.EstimateFee: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		FeeSat      string `json:"fee_sat"`
		SatPerVbyte string `json:"sat_per_vbyte"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return FeeEstimate{}, fmt.Errorf("onchain.EstimateFee: decoding response: %v", err)
	}

	var feeSat, satPerVbyte uint64
	fmt.Sscanf(res.FeeSat, "%d", &feeSat)
	fmt.Sscanf(res.SatPerVbyte, "%d", &satPerVbyte)
	return FeeEstimate{FeeSat: feeSat, SatPerVbyte: uint32(satPerVbyte)}, nil
}

func (g *LndGateway) IsPaid(ctx context.Context, address string, amountSat uint64, minConfirmations uint8) (bool, error) {
	url := fmt.Sprintf("%s/v1/transactions?min_confs=%d", g.host, minConfirmations)
	resp, err := g.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("onchain.IsPaid: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		Transactions []struct {
			OutputDetails []struct {
				Address string `json:"address"`
				Amount  string `json:"amount"`
			} `json:"output_details"`
			NumConfirmations int64 `json:"num_confirmations"`
		} `json:"transactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return false, fmt.Errorf("onchain.IsPaid: decoding response: %v", err)
	}

	for _, tx := range res.Transactions {
		if tx.NumConfirmations < int64(minConfirmations) {
			continue
		}
		for _, out := range tx.OutputDetails {
			if out.Address != address {
				continue
			}
			var paid uint64
			fmt.Sscanf(out.Amount, "%d", &paid)
			if paid >= amountSat {
				return true, nil
			}
		}
	}
	return false, nil
}

func (g *LndGateway) IsTransactionPaid(ctx context.Context, txid string) (bool, error) {
	resp, err := g.do(ctx, http.MethodGet, g.host+"/v1/transactions", nil)
	if err != nil {
		return false, fmt.Errorf("onchain.IsTransactionPaid: %v", err)
	}
	defer resp.Body.Close()

	var res struct {
		Transactions []struct {
			TxHash           string `json:"tx_hash"`
			NumConfirmations int64  `json:"num_confirmations"`
		} `json:"transactions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return false, fmt.Errorf("onchain.IsTransactionPaid: decoding response: %v", err)
	}

	for _, tx := range res.Transactions {
		if tx.TxHash == txid {
			return tx.NumConfirmations > 0, nil
		}
	}
	return false, nil
}
