package mint

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/duskmint/duskmint/cashu"
	"github.com/duskmint/duskmint/cashu/nuts/nut02"
	"github.com/duskmint/duskmint/cashu/nuts/nut03"
	"github.com/duskmint/duskmint/cashu/nuts/nut04"
	"github.com/duskmint/duskmint/cashu/nuts/nut05"
	"github.com/duskmint/duskmint/cashu/nuts/nut07"
	"github.com/duskmint/duskmint/mint/onchain"
)

// MintServer wraps the Mint state machine with its HTTP surface.
type MintServer struct {
	httpServer *http.Server
	mint       *Mint
	logger     *slog.Logger
}

// NewMintServer builds the HTTP surface around an already-constructed
// Mint. The listen address comes from config.ListenHost/ListenPort.
func NewMintServer(m *Mint) *MintServer {
	server := &MintServer{mint: m, logger: m.logger}
	server.setupHttpServer()
	return server
}

func (ms *MintServer) setupHttpServer() {
	r := mux.NewRouter()

	r.HandleFunc("/v1/info", ms.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", ms.handleKeys).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", ms.handleKeysById).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", ms.handleKeysets).Methods(http.MethodGet)

	r.HandleFunc("/v1/mint/quote/{method}", ms.handleMintQuoteRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/{method}/{quote_id}", ms.handleMintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/{method}", ms.handleMintTokens).Methods(http.MethodPost)

	r.HandleFunc("/v1/melt/quote/{method}", ms.handleMeltQuoteRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/{method}/{quote_id}", ms.handleMeltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/{method}", ms.handleMeltTokens).Methods(http.MethodPost)

	r.HandleFunc("/v1/swap", ms.handleSwap).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", ms.handleCheckState).Methods(http.MethodPost)

	ms.httpServer = &http.Server{
		Addr:    ms.mint.config.ListenHost + ":" + ms.mint.config.ListenPort,
		Handler: r,
	}
}

// Start blocks serving HTTP until the server errors or is shut down.
func (ms *MintServer) Start() {
	ms.logger.Info("mint server listening on: " + ms.httpServer.Addr)
	if err := ms.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

func (ms *MintServer) Shutdown(ctx context.Context) error {
	return ms.httpServer.Shutdown(ctx)
}

func writeJson(rw http.ResponseWriter, status int, body any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(body)
}

// writeError maps a cashu.Error (or a bare error, wrapped as
// StandardErr) to a mint-standard JSON error response.
func writeError(rw http.ResponseWriter, err error) {
	var cashuErr *cashu.Error
	if !errors.As(err, &cashuErr) {
		if ce, ok := err.(cashu.Error); ok {
			cashuErr = &ce
		} else {
			cashuErr = cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
	}

	status := http.StatusBadRequest
	switch cashuErr.Code {
	case cashu.UnknownKeysetErrCode, cashu.MeltQuoteErrCode:
		status = http.StatusNotFound
	case cashu.DBErrCode, cashu.LightningBackendErrCode, cashu.BackendUnavailableErrCode:
		status = http.StatusInternalServerError
	}

	writeJson(rw, status, cashuErr)
}

func decodeBody(req *http.Request, v any) error {
	if req.Body == nil {
		return cashu.EmptyBodyErr
	}
	defer req.Body.Close()
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return cashu.BuildCashuError("malformed request body", cashu.StandardErrCode)
	}
	return nil
}

func (ms *MintServer) handleInfo(rw http.ResponseWriter, req *http.Request) {
	writeJson(rw, http.StatusOK, ms.mint.MintInfoResponse())
}

func (ms *MintServer) handleKeys(rw http.ResponseWriter, req *http.Request) {
	writeJson(rw, http.StatusOK, ms.mint.GetKeys())
}

func (ms *MintServer) handleKeysById(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	keys, err := ms.mint.GetKeysById(id)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJson(rw, http.StatusOK, keys)
}

func (ms *MintServer) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	writeJson(rw, http.StatusOK, nut02.GetKeysetsResponse{Keysets: ms.mint.ListKeysets()})
}

func (ms *MintServer) handleMintQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	if method == onchain.Method {
		var body postMeltQuoteOnchainRequest
		if err := decodeBody(req, &body); err != nil {
			writeError(rw, err)
			return
		}
		quote, err := ms.mint.RequestOnchainMintQuote(body.Amount, body.Unit)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJson(rw, http.StatusOK, quote)
		return
	}

	var body nut04.PostMintQuoteBolt11Request
	if err := decodeBody(req, &body); err != nil {
		writeError(rw, err)
		return
	}

	quote, err := ms.mint.RequestMintQuote(method, body.Amount, body.Unit)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJson(rw, http.StatusOK, quote)
}

func (ms *MintServer) handleMintQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	if vars["method"] == onchain.Method {
		quote, err := ms.mint.GetOnchainMintQuoteState(vars["quote_id"])
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJson(rw, http.StatusOK, quote)
		return
	}

	quote, err := ms.mint.GetMintQuoteState(vars["method"], vars["quote_id"])
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJson(rw, http.StatusOK, quote)
}

func (ms *MintServer) handleMintTokens(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var body nut04.PostMintBolt11Request
	if err := decodeBody(req, &body); err != nil {
		writeError(rw, err)
		return
	}

	if method == onchain.Method {
		signatures, err := ms.mint.MintOnchainTokens(body.Quote, body.Outputs)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJson(rw, http.StatusOK, nut04.PostMintBolt11Response{Signatures: signatures})
		return
	}

	signatures, err := ms.mint.MintTokens(method, body.Quote, body.Outputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJson(rw, http.StatusOK, nut04.PostMintBolt11Response{Signatures: signatures})
}

// postMeltQuoteOnchainRequest is the "btconchain" method's quote request
// body: an address and an explicit amount, since there is no invoice to
// decode either from.
type postMeltQuoteOnchainRequest struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"`
	Unit    string `json:"unit"`
}

func (ms *MintServer) handleMeltQuoteRequest(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	if method == onchain.Method {
		var body postMeltQuoteOnchainRequest
		if err := decodeBody(req, &body); err != nil {
			writeError(rw, err)
			return
		}
		quote, err := ms.mint.RequestOnchainMeltQuote(body.Address, body.Amount, body.Unit)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJson(rw, http.StatusOK, quote)
		return
	}

	var body nut05.PostMeltQuoteBolt11Request
	if err := decodeBody(req, &body); err != nil {
		writeError(rw, err)
		return
	}

	quote, err := ms.mint.MeltRequest(method, body.Request, body.Unit)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJson(rw, http.StatusOK, quote)
}

func (ms *MintServer) handleMeltQuoteState(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)

	if vars["method"] == onchain.Method {
		quote, err := ms.mint.GetOnchainMeltQuoteState(vars["quote_id"])
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJson(rw, http.StatusOK, quote)
		return
	}

	quote, err := ms.mint.GetMeltQuoteState(vars["method"], vars["quote_id"])
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJson(rw, http.StatusOK, quote)
}

func (ms *MintServer) handleMeltTokens(rw http.ResponseWriter, req *http.Request) {
	method := mux.Vars(req)["method"]

	var body nut05.PostMeltBolt11Request
	if err := decodeBody(req, &body); err != nil {
		writeError(rw, err)
		return
	}

	if method == onchain.Method {
		result, err := ms.mint.MeltOnchainTokens(body.Quote, body.Inputs)
		if err != nil {
			writeError(rw, err)
			return
		}
		writeJson(rw, http.StatusOK, result)
		return
	}

	result, err := ms.mint.MeltTokens(method, body.Quote, body.Inputs, body.Outputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJson(rw, http.StatusOK, result)
}

func (ms *MintServer) handleSwap(rw http.ResponseWriter, req *http.Request) {
	var body nut03.PostSwapRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(rw, err)
		return
	}

	signatures, err := ms.mint.Swap(body.Inputs, body.Outputs)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJson(rw, http.StatusOK, nut03.PostSwapResponse{Signatures: signatures})
}

func (ms *MintServer) handleCheckState(rw http.ResponseWriter, req *http.Request) {
	var body nut07.PostCheckStateRequest
	if err := decodeBody(req, &body); err != nil {
		writeError(rw, err)
		return
	}

	states, err := ms.mint.CheckState(body.Ys)
	if err != nil {
		writeError(rw, err)
		return
	}
	writeJson(rw, http.StatusOK, nut07.PostCheckStateResponse{States: states})
}
