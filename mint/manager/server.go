// Package manager exposes an admin-only HTTP surface over a running
// Mint: issuance/redemption accounting per keyset, total ecash in
// circulation, and keyset rotation. It listens on its own port,
// separate from the wallet-facing NUT surface in mint/server.go, since
// it carries no authentication and is meant to sit behind a private
// network or reverse proxy.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/duskmint/duskmint/cashu"
	"github.com/duskmint/duskmint/mint"
)

type Server struct {
	httpServer *http.Server
	mint       *mint.Mint
}

func SetupServer(listenHost, listenPort string, m *mint.Mint) *Server {
	server := &Server{mint: m}
	server.setupHttpServer(listenHost, listenPort)
	return server
}

func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown() error {
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) setupHttpServer(listenHost, listenPort string) {
	r := mux.NewRouter()

	r.HandleFunc("/issued", s.getIssuedEcash).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/issued/{keyset_id}", s.getIssuedByKeyset).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/redeemed", s.getRedeemedEcash).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/redeemed/{keyset_id}", s.getRedeemedByKeyset).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/totalbalance", s.getTotalEcash).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/keysets", s.getKeysets).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/rotatekeyset", s.rotateKeyset).Methods(http.MethodPost, http.MethodOptions)

	r.Use(setupHeaders)

	s.httpServer = &http.Server{
		Addr:    listenHost + ":" + listenPort,
		Handler: r,
	}
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Credentials", "true")
		rw.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, origin")

		if req.Method == http.MethodOptions {
			return
		}

		next.ServeHTTP(rw, req)
	})
}

type IssuedEcashResponse struct {
	Keysets     []KeysetIssued `json:"keysets"`
	TotalIssued uint64         `json:"total_issued"`
}

type KeysetIssued struct {
	Id           string `json:"id"`
	AmountIssued uint64 `json:"amount_issued"`
}

func (s *Server) getIssuedEcash(rw http.ResponseWriter, req *http.Request) {
	issuedEcash, err := s.issuedEcash()
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(err.Error()))
		return
	}

	response, _ := json.Marshal(issuedEcash)
	rw.Write(response)
}

func (s *Server) getIssuedByKeyset(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["keyset_id"]

	issuedEcashMap, err := s.mint.IssuedEcash()
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(fmt.Sprintf("unable to get issued ecash from db: %v", err)))
		return
	}

	amountIssued, ok := issuedEcashMap[id]
	if !ok {
		rw.WriteHeader(http.StatusBadRequest)
		errRes, _ := json.Marshal(cashu.UnknownKeysetErr)
		rw.Write(errRes)
		return
	}

	response, _ := json.Marshal(KeysetIssued{Id: id, AmountIssued: amountIssued})
	rw.Write(response)
}

type RedeemedEcashResponse struct {
	Keysets       []KeysetRedeemed `json:"keysets"`
	TotalRedeemed uint64           `json:"total_redeemed"`
}

type KeysetRedeemed struct {
	Id             string `json:"id"`
	AmountRedeemed uint64 `json:"amount_redeemed"`
}

func (s *Server) getRedeemedEcash(rw http.ResponseWriter, req *http.Request) {
	redeemedEcash, err := s.redeemedEcash()
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(err.Error()))
		return
	}

	response, _ := json.Marshal(redeemedEcash)
	rw.Write(response)
}

func (s *Server) getRedeemedByKeyset(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["keyset_id"]

	redeemedEcashMap, err := s.mint.RedeemedEcash()
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(fmt.Sprintf("unable to get redeemed ecash from db: %v", err)))
		return
	}

	amountRedeemed, ok := redeemedEcashMap[id]
	if !ok {
		rw.WriteHeader(http.StatusBadRequest)
		errRes, _ := json.Marshal(cashu.UnknownKeysetErr)
		rw.Write(errRes)
		return
	}

	response, _ := json.Marshal(KeysetRedeemed{Id: id, AmountRedeemed: amountRedeemed})
	rw.Write(response)
}

type TotalBalanceResponse struct {
	TotalIssued        IssuedEcashResponse   `json:"total_issued"`
	TotalRedeemed      RedeemedEcashResponse `json:"total_redeemed"`
	TotalInCirculation uint64                `json:"total_circulation"`
}

func (s *Server) getTotalEcash(rw http.ResponseWriter, req *http.Request) {
	issuedEcash, err := s.issuedEcash()
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(err.Error()))
		return
	}

	redeemedEcash, err := s.redeemedEcash()
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(err.Error()))
		return
	}

	totalBalance := TotalBalanceResponse{
		TotalIssued:        issuedEcash,
		TotalRedeemed:      redeemedEcash,
		TotalInCirculation: issuedEcash.TotalIssued - redeemedEcash.TotalRedeemed,
	}
	response, _ := json.Marshal(totalBalance)
	rw.Write(response)
}

// getKeysets returns the NUT-02 keyset entries as a bare JSON array;
// unlike GET /v1/keysets it does not wrap them in a "keysets" object.
func (s *Server) getKeysets(rw http.ResponseWriter, req *http.Request) {
	response, _ := json.Marshal(s.mint.ListKeysets())
	rw.Write(response)
}

func (s *Server) rotateKeyset(rw http.ResponseWriter, req *http.Request) {
	fee := req.URL.Query().Get("fee")
	if len(fee) == 0 {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte("fee for keyset not specified"))
		return
	}

	keysetFee, err := strconv.Atoi(fee)
	if err != nil || keysetFee < 0 {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte("invalid fee"))
		return
	}

	newKeyset, err := s.mint.RotateKeyset(uint(keysetFee))
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		rw.Write([]byte(err.Error()))
		return
	}

	// Only the public coordinates of the new keyset are ever returned;
	// RotateKeyset's *crypto.Keyset carries signing scalars that must
	// never leave the process.
	response, _ := json.Marshal(struct {
		Id          string `json:"id"`
		Unit        string `json:"unit"`
		Active      bool   `json:"active"`
		InputFeePpk uint   `json:"input_fee_ppk"`
	}{Id: newKeyset.Id, Unit: newKeyset.Unit, Active: newKeyset.Active, InputFeePpk: newKeyset.InputFeePpk})
	rw.Write(response)
}

func (s *Server) issuedEcash() (IssuedEcashResponse, error) {
	issuedEcashMap, err := s.mint.IssuedEcash()
	if err != nil {
		return IssuedEcashResponse{}, fmt.Errorf("unable to get issued ecash from db: %v", err)
	}

	var issuedEcash IssuedEcashResponse
	for keysetId, amount := range issuedEcashMap {
		issuedEcash.Keysets = append(issuedEcash.Keysets, KeysetIssued{Id: keysetId, AmountIssued: amount})
		issuedEcash.TotalIssued += amount
	}
	return issuedEcash, nil
}

func (s *Server) redeemedEcash() (RedeemedEcashResponse, error) {
	redeemedEcashMap, err := s.mint.RedeemedEcash()
	if err != nil {
		return RedeemedEcashResponse{}, fmt.Errorf("unable to get redeemed ecash from db: %v", err)
	}

	var redeemedEcash RedeemedEcashResponse
	for keysetId, amount := range redeemedEcashMap {
		redeemedEcash.Keysets = append(redeemedEcash.Keysets, KeysetRedeemed{Id: keysetId, AmountRedeemed: amount})
		redeemedEcash.TotalRedeemed += amount
	}
	return redeemedEcash, nil
}
