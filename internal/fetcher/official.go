package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"collateral-risk/internal/fixed"
	"collateral-risk/internal/oracle"
	"collateral-risk/internal/riskerr"
)

const (
	aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
	// SourceChainlink tags prices read from an aggregator.
	SourceChainlink = "chainlink"
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ContractCaller is the slice of ethclient used by Chainlink.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ChainlinkOptions parameterise the on-chain fetcher.
type ChainlinkOptions struct {
	RPCURL string
	// Feeds maps asset symbols to aggregator addresses.
	Feeds   map[string]string
	Timeout time.Duration
}

// Chainlink reads USD prices from Chainlink aggregators via Ethereum RPC.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	client    ContractCaller
	clientMux sync.Mutex
	decimals  map[common.Address]uint8
}

// NewChainlink builds a new aggregator fetcher.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_fetcher").Logger(),
		decimals: make(map[common.Address]uint8),
	}
}

// NewChainlinkWithCaller uses caller instead of dialing opts.RPCURL.
func NewChainlinkWithCaller(opts ChainlinkOptions, caller ContractCaller, logger zerolog.Logger) *Chainlink {
	c := NewChainlink(opts, logger)
	c.client = caller
	return c
}

// FetchPrice reads latestRoundData and rescales the answer to 14 decimals.
func (c *Chainlink) FetchPrice(ctx context.Context, asset string) (oracle.AssetPrice, error) {
	feed, ok := c.opts.Feeds[asset]
	if !ok || feed == "" {
		return oracle.AssetPrice{}, fmt.Errorf("no chainlink feed for %s: %w", asset, riskerr.ErrAssetNotSupported)
	}
	if !common.IsHexAddress(feed) {
		return oracle.AssetPrice{}, fmt.Errorf("feed %q for %s is not an address: %w", feed, asset, riskerr.ErrInvalidInput)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return oracle.AssetPrice{}, err
	}

	addr := common.HexToAddress(feed)
	dec, err := c.feedDecimals(ctx, client, addr)
	if err != nil {
		return oracle.AssetPrice{}, fmt.Errorf("decimals of %s feed: %w", asset, err)
	}

	outputs, err := call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return oracle.AssetPrice{}, fmt.Errorf("latestRoundData of %s feed: %w", asset, err)
	}
	if len(outputs) != 5 {
		return oracle.AssetPrice{}, errors.New("unexpected latestRoundData response")
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return oracle.AssetPrice{}, errors.New("failed to decode latestRoundData answer")
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return oracle.AssetPrice{}, errors.New("failed to decode latestRoundData updatedAt")
	}
	if answer.Sign() <= 0 {
		return oracle.AssetPrice{}, fmt.Errorf("%s feed answered %s: %w", asset, answer, riskerr.ErrInvalidInput)
	}

	price, err := fixed.FromDecimal(decimal.NewFromBigInt(answer, -int32(dec)), fixed.USDDecimals)
	if err != nil {
		return oracle.AssetPrice{}, err
	}

	c.logger.Debug().
		Str("asset", asset).
		Str("price", price.Decimal(fixed.USDDecimals).String()).
		Uint8("feed_decimals", dec).
		Msg("chainlink price fetched")

	return oracle.AssetPrice{
		Asset:     asset,
		Price:     price,
		Timestamp: time.Unix(updatedAt.Int64(), 0).UTC(),
		Source:    SourceChainlink,
	}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client ContractCaller, addr common.Address) (uint8, error) {
	c.clientMux.Lock()
	dec, ok := c.decimals[addr]
	c.clientMux.Unlock()
	if ok {
		return dec, nil
	}

	outputs, err := call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	dec, ok = outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.clientMux.Lock()
	c.decimals[addr] = dec
	c.clientMux.Unlock()
	return dec, nil
}

func call(ctx context.Context, client ContractCaller, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, err
	}
	return aggregatorABI.Unpack(method, res)
}

func (c *Chainlink) getClient(ctx context.Context) (ContractCaller, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}
	if c.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

var _ PriceFetcher = (*Chainlink)(nil)
