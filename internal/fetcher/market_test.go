package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

func noopLogger() zerolog.Logger { return zerolog.Nop() }

var testTokens = map[string]Token{
	"ETH":  {Address: "0x1", Decimals: 18},
	"USDC": {Address: "0x2", Decimals: 6},
}

func TestMarketQuoteUnknownToken(t *testing.T) {
	m := NewMarket(MarketOptions{Tokens: testTokens}, noopLogger())
	_, err := m.Quote(context.Background(), "DOGE", "USDC", fixed.New(1))
	if !errors.Is(err, riskerr.ErrAssetNotSupported) {
		t.Fatalf("expected asset not supported, got %v", err)
	}
	if _, err := m.Quote(context.Background(), "ETH", "USDC", fixed.Zero); !errors.Is(err, riskerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for zero amount, got %v", err)
	}
}

func TestMarketQuoteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"errorType": "SellAmountDoesNotCoverFee"})
	}))
	defer srv.Close()

	m := NewMarket(MarketOptions{
		BaseURL:      srv.URL,
		PriceQuality: "optimal",
		Timeout:      time.Second,
		UserAgent:    "test",
		Tokens:       testTokens,
	}, noopLogger())

	_, err := m.Quote(context.Background(), "ETH", "USDC", fixed.New(1000))
	if err == nil {
		t.Fatal("HTTP 400 should fail")
	}
	if got := err.Error(); got != "cow api error (400): SellAmountDoesNotCoverFee" {
		t.Fatalf("unexpected error %q", got)
	}
}

func TestMarketQuoteSuccess(t *testing.T) {
	var got quoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != cowQuotePath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"quote": map[string]string{
				"sellAmount": "999000000000000000",
				"buyAmount":  "1950000000",
				"feeAmount":  "1000000000000000",
			},
			"priceQuality": "verified",
		})
	}))
	defer srv.Close()

	m := NewMarket(MarketOptions{
		BaseURL:      srv.URL,
		PriceQuality: "optimal",
		Timeout:      time.Second,
		Tokens:       testTokens,
	}, noopLogger())

	q, err := m.FetchQuote(context.Background(), "ETH", "USDC", fixed.MustParse("1000000000000000000"))
	if err != nil {
		t.Fatalf("quote failed: %v", err)
	}
	if !q.BuyAmount.Eq(fixed.New(1_950_000_000)) {
		t.Fatalf("expected buy amount 1950000000, got %s", q.BuyAmount)
	}
	if !q.FeeAmount.Eq(fixed.MustParse("1000000000000000")) {
		t.Fatalf("unexpected fee %s", q.FeeAmount)
	}
	if q.Quality != "verified" {
		t.Fatalf("expected quality from response, got %q", q.Quality)
	}
	if got.SellToken != "0x1" || got.BuyToken != "0x2" || got.Kind != "sell" || got.From != zeroAddressHex {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.SellAmountBeforeFee != "1000000000000000000" {
		t.Fatalf("unexpected sell amount %s", got.SellAmountBeforeFee)
	}

	out, err := m.Quote(context.Background(), "ETH", "USDC", fixed.MustParse("1000000000000000000"))
	if err != nil || !out.Eq(fixed.New(1_950_000_000)) {
		t.Fatalf("Quote = %s, %v", out, err)
	}
}
