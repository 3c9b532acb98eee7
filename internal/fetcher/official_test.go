package fetcher

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/riskerr"
)

const ethFeed = "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419"

type fakeAggregator struct {
	answer    *big.Int
	updatedAt int64
	decimals  uint8
	calls     int
}

func (f *fakeAggregator) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	method, err := aggregatorABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(f.decimals)
	case "latestRoundData":
		round := big.NewInt(7)
		return method.Outputs.Pack(round, f.answer, big.NewInt(f.updatedAt), big.NewInt(f.updatedAt), round)
	}
	return nil, errors.New("unexpected method " + method.Name)
}

func TestChainlinkMissingConfig(t *testing.T) {
	c := NewChainlink(ChainlinkOptions{}, noopLogger())
	if _, err := c.FetchPrice(context.Background(), "ETH"); !errors.Is(err, riskerr.ErrAssetNotSupported) {
		t.Fatalf("expected unsupported asset without feed, got %v", err)
	}

	c = NewChainlink(ChainlinkOptions{Feeds: map[string]string{"ETH": ethFeed}}, noopLogger())
	if _, err := c.FetchPrice(context.Background(), "ETH"); err == nil {
		t.Fatal("missing rpc url should fail")
	}

	c = NewChainlink(ChainlinkOptions{RPCURL: "http://localhost", Feeds: map[string]string{"ETH": "nope"}}, noopLogger())
	if _, err := c.FetchPrice(context.Background(), "ETH"); !errors.Is(err, riskerr.ErrInvalidInput) {
		t.Fatalf("expected invalid feed address, got %v", err)
	}
}

func TestChainlinkRescalesAnswer(t *testing.T) {
	agg := &fakeAggregator{answer: big.NewInt(312_345_678_901), updatedAt: 1_717_243_200, decimals: 8}
	c := NewChainlinkWithCaller(ChainlinkOptions{Feeds: map[string]string{"ETH": ethFeed}}, agg, noopLogger())

	p, err := c.FetchPrice(context.Background(), "ETH")
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	// 3123.45678901 USD with 14 decimals.
	if !p.Price.Eq(fixed.MustParse("312345678901000000")) {
		t.Fatalf("unexpected price %s", p.Price)
	}
	if !p.Timestamp.Equal(time.Unix(1_717_243_200, 0)) {
		t.Fatalf("unexpected timestamp %s", p.Timestamp)
	}
	if p.Source != SourceChainlink {
		t.Fatalf("unexpected source %q", p.Source)
	}

	if _, err := c.FetchPrice(context.Background(), "ETH"); err != nil {
		t.Fatalf("second fetch failed: %v", err)
	}
	// decimals is read once per feed.
	if agg.calls != 3 {
		t.Fatalf("expected 3 contract calls, got %d", agg.calls)
	}
}

func TestChainlinkRejectsNonPositiveAnswer(t *testing.T) {
	agg := &fakeAggregator{answer: big.NewInt(0), updatedAt: 1, decimals: 8}
	c := NewChainlinkWithCaller(ChainlinkOptions{Feeds: map[string]string{"ETH": ethFeed}}, agg, noopLogger())
	if _, err := c.FetchPrice(context.Background(), "ETH"); !errors.Is(err, riskerr.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestStaticAndChain(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s, err := NewStatic(map[string]string{"USDC": "0.9998"}, func() time.Time { return at })
	if err != nil {
		t.Fatalf("static: %v", err)
	}
	if _, err := NewStatic(map[string]string{"USDC": "-1"}, nil); !errors.Is(err, riskerr.ErrInvalidInput) {
		t.Fatalf("negative static price should fail, got %v", err)
	}

	chain := Chain{NewChainlink(ChainlinkOptions{}, noopLogger()), s}
	p, err := chain.FetchPrice(context.Background(), "USDC")
	if err != nil {
		t.Fatalf("chain fetch: %v", err)
	}
	if !p.Price.Eq(fixed.MustParse("99980000000000")) || p.Source != SourceStatic || !p.Timestamp.Equal(at) {
		t.Fatalf("unexpected price %+v", p)
	}
	if _, err := chain.FetchPrice(context.Background(), "DOGE"); !errors.Is(err, riskerr.ErrAssetNotSupported) {
		t.Fatalf("expected unsupported asset, got %v", err)
	}
	if _, err := (Chain{}).FetchPrice(context.Background(), "DOGE"); !errors.Is(err, riskerr.ErrAssetNotSupported) {
		t.Fatalf("empty chain should report unsupported asset, got %v", err)
	}
}
