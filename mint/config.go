package mint

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/duskmint/duskmint/cashu/nuts/nut06"
	"github.com/duskmint/duskmint/mint/lightning"
	"github.com/duskmint/duskmint/mint/onchain"
)

// Backend names accepted by LN_BACKEND.
const (
	BackendFake   = "fake"
	BackendLnd    = "lnd"
	BackendCln    = "cln"
	BackendLnbits = "lnbits"
	BackendAlby   = "alby"
	BackendStrike = "strike"
)

// Config holds everything NewMint needs to bring a mint up: where its
// database lives, which Lightning backend to dial, its signing secret,
// and the fee and info settings it advertises to wallets.
type Config struct {
	DBPath        string
	MigrationPath string

	MasterSecret    []byte
	DerivationPath  string
	InputFeePpk     uint
	QuoteExpirySecs uint64

	LightningBackend string
	LightningClient  lightning.Client

	FeePPM          uint64
	MinFeeSat       uint64
	MintingDisabled bool

	ListenHost string
	ListenPort string

	ManagerListenHost string
	ManagerListenPort string

	ReconcilerPeriod time.Duration
	ShutdownTimeout  time.Duration

	// OnchainGateway is nil unless ONCHAIN_LND_HOST is set, in which case
	// the "btconchain" payment method becomes available alongside bolt11.
	OnchainGateway onchain.Gateway
	OnchainParams  *chaincfg.Params

	MintInfo MintInfo
}

type MintInfo struct {
	Name            string
	Pubkey          string
	Description     string
	LongDescription string
	Contact         []nut06.ContactInfo
	Motd            string
	IconURL         string
	URLs            []string
	Version         string
}

// GetConfig reads mint configuration from the environment, following the
// same env-var-plus-defaults shape as godotenv-loaded configs. Callers
// are expected to have already loaded a .env file, if any, before this
// runs.
func GetConfig() (Config, error) {
	config := Config{}

	config.DBPath = getEnvOrDefault("DB_URL", "./data")
	config.MigrationPath = getEnvOrDefault("DB_MIGRATION_PATH", "./mint/storage/sqlite/migrations")

	masterSecret := os.Getenv("MINT_MASTER_SECRET")
	if masterSecret == "" {
		return Config{}, errors.New("MINT_MASTER_SECRET cannot be empty")
	}
	config.MasterSecret = []byte(masterSecret)
	config.DerivationPath = getEnvOrDefault("MINT_DERIVATION_PATH", "m/0'/0'/0'")

	inputFeePpk, err := getEnvUintOrDefault("MINT_INPUT_FEE_PPK", 0)
	if err != nil {
		return Config{}, err
	}
	config.InputFeePpk = uint(inputFeePpk)

	quoteExpiry, err := getEnvUintOrDefault("MINT_QUOTE_EXPIRY_SECONDS", 600)
	if err != nil {
		return Config{}, err
	}
	config.QuoteExpirySecs = quoteExpiry

	feePPM, err := getEnvUintOrDefault("MINT_FEE_PPM", 0)
	if err != nil {
		return Config{}, err
	}
	config.FeePPM = feePPM

	minFeeSat, err := getEnvUintOrDefault("MINT_MIN_FEE_SAT", 1)
	if err != nil {
		return Config{}, err
	}
	config.MinFeeSat = minFeeSat

	config.MintingDisabled = os.Getenv("MINT_MINTING_DISABLED") == "true"

	config.ListenHost = getEnvOrDefault("MINT_LISTEN_HOST", "127.0.0.1")
	config.ListenPort = getEnvOrDefault("MINT_LISTEN_PORT", "3338")

	config.ManagerListenHost = getEnvOrDefault("MINT_MANAGER_LISTEN_HOST", "127.0.0.1")
	config.ManagerListenPort = getEnvOrDefault("MINT_MANAGER_LISTEN_PORT", "8080")

	periodSecs, err := getEnvUintOrDefault("MINT_RECONCILER_PERIOD_SECONDS", 15)
	if err != nil {
		return Config{}, err
	}
	config.ReconcilerPeriod = time.Duration(periodSecs) * time.Second

	shutdownSecs, err := getEnvUintOrDefault("MINT_SHUTDOWN_TIMEOUT_SECONDS", 10)
	if err != nil {
		return Config{}, err
	}
	config.ShutdownTimeout = time.Duration(shutdownSecs) * time.Second

	config.LightningBackend = getEnvOrDefault("LN_BACKEND", BackendFake)
	lnClient, err := setupLightningClient(config.LightningBackend)
	if err != nil {
		return Config{}, err
	}
	config.LightningClient = lnClient

	config.OnchainParams = &chaincfg.MainNetParams
	if getEnvOrDefault("ONCHAIN_NETWORK", "mainnet") == "testnet" {
		config.OnchainParams = &chaincfg.TestNet3Params
	}
	if onchainHost := os.Getenv("ONCHAIN_LND_HOST"); onchainHost != "" {
		gateway, err := onchain.NewLndGateway(onchainHost, os.Getenv("ONCHAIN_LND_CERT_PATH"), os.Getenv("ONCHAIN_LND_MACAROON_PATH"))
		if err != nil {
			return Config{}, err
		}
		config.OnchainGateway = gateway
	}

	config.MintInfo = MintInfo{
		Name:            getEnvOrDefault("MINT_NAME", "duskmint"),
		Description:     getEnvOrDefault("MINT_DESCRIPTION", "a Cashu ecash mint"),
		LongDescription: os.Getenv("MINT_DESCRIPTION_LONG"),
		Motd:            os.Getenv("MINT_MOTD"),
		IconURL:         os.Getenv("MINT_ICON_URL"),
		Version:         getEnvOrDefault("MINT_VERSION", "duskmint/0.1.0"),
	}
	if contactEmail := os.Getenv("MINT_CONTACT_EMAIL"); contactEmail != "" {
		config.MintInfo.Contact = append(config.MintInfo.Contact, nut06.ContactInfo{Method: "email", Info: contactEmail})
	}

	return config, nil
}

func setupLightningClient(backend string) (lightning.Client, error) {
	switch backend {
	case BackendFake:
		return lightning.NewFakeBackend(), nil
	case BackendLnd:
		return lightning.NewLndClient()
	case BackendCln:
		return lightning.NewCLNClient(lightning.CLNConfig{
			RestURL: os.Getenv("CLN_REST_URL"),
			Rune:    os.Getenv("CLN_RUNE"),
		})
	case BackendLnbits:
		return lightning.NewLNbitsClient(os.Getenv("LNBITS_URL"), os.Getenv("LNBITS_ADMIN_KEY"))
	case BackendAlby:
		return lightning.NewAlbyClient(os.Getenv("ALBY_API_KEY"))
	case BackendStrike:
		return lightning.NewStrikeClient(os.Getenv("STRIKE_API_KEY"))
	default:
		return nil, fmt.Errorf("unknown LN_BACKEND %q", backend)
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvUintOrDefault(key string, def uint64) (uint64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	parsed, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return parsed, nil
}
