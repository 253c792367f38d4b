// auth.go handles the two layers of exchange authentication.
//
//   - L1 (EIP-712): used only once to derive L2 API keys. Signs a typed-data
//     "ClobAuth" message with the wallet's private key, proving ownership.
//
//   - L2 (HMAC-SHA256): used for all trading operations. Signs
//     "timestamp + method + path [+ body]" with the derived API secret.
//
// Dry-run mode never touches order endpoints, so no credentials are required
// there; live mode refuses to start without a signing key (config.Validate).
package exchange

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/config"
	"polymarket-trigger/pkg/types"
)

// Credentials holds the L2 API key triplet returned by /auth/derive-api-key.
type Credentials struct {
	ApiKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Auth signs exchange requests. The funderAddress may differ from address
// when orders are funded through a proxy or multisig wallet.
type Auth struct {
	privateKey    *ecdsa.PrivateKey
	address       common.Address
	funderAddress common.Address
	chainID       *big.Int
	sigType       int
	creds         Credentials
}

// NewAuth creates an Auth instance from config.
func NewAuth(cfg config.Config) (*Auth, error) {
	keyHex := cfg.Wallet.PrivateKey
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}

	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	funder := address
	if cfg.Wallet.FunderAddress != "" {
		funder = common.HexToAddress(cfg.Wallet.FunderAddress)
	}

	return &Auth{
		privateKey:    privateKey,
		address:       address,
		funderAddress: funder,
		chainID:       big.NewInt(int64(cfg.Wallet.ChainID)),
		sigType:       cfg.Wallet.SignatureType,
		creds: Credentials{
			ApiKey:     cfg.API.ApiKey,
			Secret:     cfg.API.Secret,
			Passphrase: cfg.API.Passphrase,
		},
	}, nil
}

// Address returns the signer's address.
func (a *Auth) Address() common.Address { return a.address }

// FunderAddress returns the funder/proxy wallet address.
func (a *Auth) FunderAddress() common.Address { return a.funderAddress }

// HasL2Credentials returns whether L2 API credentials are configured.
func (a *Auth) HasL2Credentials() bool {
	return a.creds.ApiKey != "" && a.creds.Secret != "" && a.creds.Passphrase != ""
}

// SetCredentials sets the L2 API credentials (after deriving them via L1).
func (a *Auth) SetCredentials(creds Credentials) {
	a.creds = creds
}

// L1Headers generates headers for L1-authenticated endpoints (key management).
func (a *Auth) L1Headers(nonce int) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.signClobAuth(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign clob auth: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":   a.address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": timestamp,
		"POLY_NONCE":     strconv.Itoa(nonce),
	}, nil
}

// L2Headers generates headers for L2-authenticated trading endpoints.
func (a *Auth) L2Headers(method, path, body string) (map[string]string, error) {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)

	sig, err := a.buildHMAC(timestamp, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("build hmac: %w", err)
	}

	return map[string]string{
		"POLY_ADDRESS":    a.address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  timestamp,
		"POLY_API_KEY":    a.creds.ApiKey,
		"POLY_PASSPHRASE": a.creds.Passphrase,
	}, nil
}

// signClobAuth produces an EIP-712 signature for L1 authentication.
func (a *Auth) signClobAuth(timestamp string, nonce int) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
		},
		Message: apitypes.TypedDataMessage{
			"address":   a.address.Hex(),
			"timestamp": timestamp,
			"nonce":     fmt.Sprintf("%d", nonce),
			"message":   "This message attests that I control the given wallet",
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign typed data: %w", err)
	}

	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// ctfExchangeAddress is the CTF exchange contract on Polygon; it is the
// verifying contract in the order's EIP-712 domain.
const ctfExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

const zeroAddress = "0x0000000000000000000000000000000000000000"

// SignedOrder is the on-chain order struct plus its EIP-712 signature,
// wrapped by OrderPayload for POST /order. All uint256 fields are encoded
// as decimal strings.
type SignedOrder struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`  // funder/proxy wallet address
	Signer        string `json:"signer"` // EOA that signs the order
	Taker         string `json:"taker"`  // zero address = open order
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"` // what maker gives, scaled to 1e6
	TakerAmount   string `json:"takerAmount"` // what maker receives, scaled to 1e6
	Side          string `json:"side"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// OrderPayload is the REST request body for order placement.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"` // L2 API key
	OrderType string      `json:"orderType"`
}

// SignOrder builds and EIP-712-signs an order payload. The maker is the
// funder wallet, the signer is the EOA, and the taker is the zero address
// so anyone may fill.
func (a *Auth) SignOrder(req OrderRequest) (OrderPayload, error) {
	makerAmt, takerAmt := PriceToAmounts(req.Price, req.Size, req.Side)

	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return OrderPayload{}, fmt.Errorf("generate salt: %w", err)
	}

	sideIdx := big.NewInt(0) // 0 = BUY, 1 = SELL in the exchange contract
	if req.Side == types.SELL {
		sideIdx = big.NewInt(1)
	}
	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok {
		return OrderPayload{}, fmt.Errorf("invalid token id %q", req.TokenID)
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(new(big.Int).Set(a.chainID)),
			VerifyingContract: ctfExchangeAddress,
		},
		Message: apitypes.TypedDataMessage{
			"salt":          salt.String(),
			"maker":         a.funderAddress.Hex(),
			"signer":        a.address.Hex(),
			"taker":         zeroAddress,
			"tokenId":       tokenID.String(),
			"makerAmount":   makerAmt.String(),
			"takerAmount":   takerAmt.String(),
			"expiration":    "0",
			"nonce":         "0",
			"feeRateBps":    "0",
			"side":          sideIdx.String(),
			"signatureType": strconv.Itoa(a.sigType),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return OrderPayload{}, fmt.Errorf("typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, a.privateKey)
	if err != nil {
		return OrderPayload{}, fmt.Errorf("sign order: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return OrderPayload{
		Order: SignedOrder{
			Salt:          salt.String(),
			Maker:         a.funderAddress.Hex(),
			Signer:        a.address.Hex(),
			Taker:         zeroAddress,
			TokenID:       req.TokenID,
			MakerAmount:   makerAmt.String(),
			TakerAmount:   takerAmt.String(),
			Side:          string(req.Side),
			Expiration:    "0",
			Nonce:         "0",
			FeeRateBps:    "0",
			SignatureType: a.sigType,
			Signature:     "0x" + common.Bytes2Hex(sig),
		},
		Owner:     a.creds.ApiKey,
		OrderType: "GTC",
	}, nil
}

// PriceToAmounts converts a price and size to makerAmount and takerAmount as
// big.Int values scaled to 6 decimals (USDC).
//
// For BUY: the maker gives makerAmount USDC and receives takerAmount tokens.
// For SELL: the maker gives makerAmount tokens and receives takerAmount USDC.
func PriceToAmounts(price, size decimal.Decimal, side types.Side) (makerAmt, takerAmt *big.Int) {
	sizeRounded := size.Truncate(2)
	cost := sizeRounded.Mul(price).Truncate(4)

	tokens := sizeRounded.Shift(6).Truncate(0).BigInt()
	usdc := cost.Shift(6).Truncate(0).BigInt()

	if side == types.SELL {
		return tokens, usdc
	}
	return usdc, tokens
}

// buildHMAC computes the HMAC-SHA256 signature for L2 auth.
// message = timestamp + method + requestPath [+ body]
func (a *Auth) buildHMAC(timestamp, method, path, body string) (string, error) {
	decoders := []*base64.Encoding{
		base64.URLEncoding,
		base64.RawURLEncoding,
		base64.StdEncoding,
		base64.RawStdEncoding,
	}

	var secretBytes []byte
	var err error
	for _, dec := range decoders {
		secretBytes, err = dec.DecodeString(a.creds.Secret)
		if err == nil {
			break
		}
	}
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}

	message := timestamp + method + path
	if body != "" {
		message += body
	}

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(message))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return sig, nil
}
