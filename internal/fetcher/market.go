package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

const (
	cowQuotePath   = "/quote"
	zeroAddressHex = "0x0000000000000000000000000000000000000000"
	appCode        = "collateral-risk"
)

// Token is an ERC-20 known to the quoter.
type Token struct {
	Address  string
	Decimals uint8
}

// MarketOptions parameterise the CoW Protocol quoter.
type MarketOptions struct {
	BaseURL      string
	PriceQuality string
	// From is the address quotes are requested for; zero when unset.
	From      string
	Timeout   time.Duration
	UserAgent string
	// Tokens maps asset symbols to token addresses.
	Tokens map[string]Token
}

// Quote is a CoW Protocol sell quote in token units.
type Quote struct {
	SellAmount fixed.Int
	BuyAmount  fixed.Int
	FeeAmount  fixed.Int
	Quality    string
	Raw        json.RawMessage
}

// Market prices stop-loss swaps through CoW Protocol.
type Market struct {
	opts    MarketOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewMarket constructs a quoter.
func NewMarket(opts MarketOptions, logger zerolog.Logger) *Market {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.cow.fi/mainnet/api/v1"
	}

	return &Market{
		opts:    opts,
		logger:  logger.With().Str("component", "market_quoter").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
}

// Quote returns how many units of buy a sale of amount units of sell yields.
func (m *Market) Quote(ctx context.Context, sell, buy string, amount fixed.Int) (fixed.Int, error) {
	q, err := m.FetchQuote(ctx, sell, buy, amount)
	if err != nil {
		return fixed.Zero, err
	}
	return q.BuyAmount, nil
}

// FetchQuote requests a sell quote and returns it with the raw payload.
func (m *Market) FetchQuote(ctx context.Context, sell, buy string, amount fixed.Int) (Quote, error) {
	if amount.Sign() <= 0 {
		return Quote{}, fmt.Errorf("sell amount %s must be positive: %w", amount, riskerr.ErrInvalidInput)
	}
	sellToken, ok := m.opts.Tokens[sell]
	if !ok || sellToken.Address == "" {
		return Quote{}, fmt.Errorf("no token address for %s: %w", sell, riskerr.ErrAssetNotSupported)
	}
	buyToken, ok := m.opts.Tokens[buy]
	if !ok || buyToken.Address == "" {
		return Quote{}, fmt.Errorf("no token address for %s: %w", buy, riskerr.ErrAssetNotSupported)
	}

	from := m.opts.From
	if from == "" {
		from = zeroAddressHex
	}

	reqPayload := quoteRequest{
		SellToken:           sellToken.Address,
		BuyToken:            buyToken.Address,
		Kind:                "sell",
		From:                from,
		AppData:             `{"version":"0.7.0","appCode":"` + appCode + `","metadata":{}}`,
		PriceQuality:        m.opts.PriceQuality,
		SellAmountBeforeFee: amount.String(),
		ValidTo:             uint64(m.now().Add(5 * time.Minute).Unix()),
	}

	body, err := json.Marshal(reqPayload)
	if err != nil {
		return Quote{}, err
	}

	endpoint := m.baseURL + cowQuotePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(m.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", appCode+"/1.0")
	}
	req.Header.Set("X-AppId", appCode)

	resp, err := m.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("cow quote: %w: %w", riskerr.ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError(resp.StatusCode, payloadBytes)
	}

	var quoteRes quoteResponse
	if err := json.Unmarshal(payloadBytes, &quoteRes); err != nil {
		return Quote{}, err
	}

	buyAmount, err := fixed.Parse(quoteRes.Quote.BuyAmount)
	if err != nil {
		return Quote{}, fmt.Errorf("parse buy amount: %w", err)
	}
	if buyAmount.IsZero() {
		return Quote{}, errors.New("buy amount returned zero")
	}

	q := Quote{
		SellAmount: amount,
		BuyAmount:  buyAmount,
		FeeAmount:  fixed.Zero,
		Quality:    quoteRes.PriceQuality,
		Raw:        json.RawMessage(payloadBytes),
	}
	if quoteRes.Quote.SellAmount != "" {
		if q.SellAmount, err = fixed.Parse(quoteRes.Quote.SellAmount); err != nil {
			return Quote{}, fmt.Errorf("parse sell amount: %w", err)
		}
	}
	if quoteRes.Quote.FeeAmount != "" {
		if q.FeeAmount, err = fixed.Parse(quoteRes.Quote.FeeAmount); err != nil {
			return Quote{}, fmt.Errorf("parse fee amount: %w", err)
		}
	}
	if q.Quality == "" {
		q.Quality = m.opts.PriceQuality
	}

	m.logger.Debug().
		Str("sell", sell).
		Str("buy", buy).
		Str("sell_amount", amount.String()).
		Str("buy_amount", buyAmount.String()).
		Str("quality", q.Quality).
		Msg("cow quote fetched")

	return q, nil
}

type quoteRequest struct {
	SellToken           string `json:"sellToken"`
	BuyToken            string `json:"buyToken"`
	Kind                string `json:"kind"`
	From                string `json:"from"`
	AppData             string `json:"appData"`
	PriceQuality        string `json:"priceQuality,omitempty"`
	SellAmountBeforeFee string `json:"sellAmountBeforeFee"`
	ValidTo             uint64 `json:"validTo"`
}

type quoteResponse struct {
	Quote struct {
		SellAmount string `json:"sellAmount"`
		BuyAmount  string `json:"buyAmount"`
		FeeAmount  string `json:"feeAmount"`
		SellToken  string `json:"sellToken"`
		BuyToken   string `json:"buyToken"`
	} `json:"quote"`
	PriceQuality string `json:"priceQuality"`
}

type errorResponse struct {
	ErrorType   string `json:"errorType"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Description)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("cow api error (%d): %s", status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("cow api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("cow api error (%d)", status)
}
