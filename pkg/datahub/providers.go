package datahub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultFetchTimeout bounds a single provider request.
const DefaultFetchTimeout = 8 * time.Second

// PriceProvider fetches the current BTC spot price in USD.
type PriceProvider interface {
	Name() string
	FetchPrice(ctx context.Context) (float64, error)
}

// ChainProvider fetches current network statistics.
type ChainProvider interface {
	Name() string
	FetchChainStats(ctx context.Context) (ChainStats, error)
}

// getJSON performs a GET with a bounded timeout and decodes the response.
func getJSON(ctx context.Context, client *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = DefaultFetchTimeout
	}
	return &http.Client{Timeout: timeout}
}

// CoinGeckoPrice is the primary spot-price provider.
type CoinGeckoPrice struct {
	url    string
	client *http.Client
}

// NewCoinGeckoPrice creates the CoinGecko price provider. An empty url uses
// the public API.
func NewCoinGeckoPrice(url string, timeout time.Duration) *CoinGeckoPrice {
	if url == "" {
		url = "https://api.coingecko.com/api/v3/simple/price?ids=bitcoin&vs_currencies=usd"
	}
	return &CoinGeckoPrice{url: url, client: newHTTPClient(timeout)}
}

func (p *CoinGeckoPrice) Name() string { return "coingecko" }

// FetchPrice implements PriceProvider.
func (p *CoinGeckoPrice) FetchPrice(ctx context.Context) (float64, error) {
	var body struct {
		Bitcoin struct {
			USD float64 `json:"usd"`
		} `json:"bitcoin"`
	}
	if err := getJSON(ctx, p.client, p.url, &body); err != nil {
		return 0, err
	}
	if body.Bitcoin.USD <= 0 {
		return 0, fmt.Errorf("coingecko returned no usd price")
	}
	return body.Bitcoin.USD, nil
}

// BinancePrice is the fallback spot-price provider.
type BinancePrice struct {
	url    string
	client *http.Client
}

// NewBinancePrice creates the Binance ticker provider. An empty url uses
// the public API.
func NewBinancePrice(url string, timeout time.Duration) *BinancePrice {
	if url == "" {
		url = "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT"
	}
	return &BinancePrice{url: url, client: newHTTPClient(timeout)}
}

func (p *BinancePrice) Name() string { return "binance" }

// FetchPrice implements PriceProvider.
func (p *BinancePrice) FetchPrice(ctx context.Context) (float64, error) {
	var body struct {
		Price json.Number `json:"price"`
	}
	if err := getJSON(ctx, p.client, p.url, &body); err != nil {
		return 0, err
	}
	price, err := body.Price.Float64()
	if err != nil || price <= 0 {
		return 0, fmt.Errorf("binance returned invalid price %q", body.Price)
	}
	return price, nil
}

// BlockchainInfoChain is the primary chain-stats provider.
type BlockchainInfoChain struct {
	url    string
	client *http.Client
}

// NewBlockchainInfoChain creates the blockchain.info stats provider. An
// empty url uses the public API.
func NewBlockchainInfoChain(url string, timeout time.Duration) *BlockchainInfoChain {
	if url == "" {
		url = "https://blockchain.info/stats?format=json"
	}
	return &BlockchainInfoChain{url: url, client: newHTTPClient(timeout)}
}

func (p *BlockchainInfoChain) Name() string { return "blockchain.info" }

// FetchChainStats implements ChainProvider. blockchain.info reports the
// network hashrate in GH/s.
func (p *BlockchainInfoChain) FetchChainStats(ctx context.Context) (ChainStats, error) {
	var body struct {
		HashRateGHS float64 `json:"hash_rate"`
		Difficulty  float64 `json:"difficulty"`
		Height      int64   `json:"n_blocks_total"`
	}
	if err := getJSON(ctx, p.client, p.url, &body); err != nil {
		return ChainStats{}, err
	}
	if body.HashRateGHS <= 0 {
		return ChainStats{}, fmt.Errorf("blockchain.info returned no hashrate")
	}
	return ChainStats{
		NetworkHashratePHS: body.HashRateGHS / 1e6,
		Difficulty:         body.Difficulty,
		BlockHeight:        body.Height,
	}, nil
}

// MempoolChain is the fallback chain-stats provider.
type MempoolChain struct {
	url    string
	client *http.Client
}

// NewMempoolChain creates the mempool.space mining-stats provider. An empty
// url uses the public API.
func NewMempoolChain(url string, timeout time.Duration) *MempoolChain {
	if url == "" {
		url = "https://mempool.space/api/v1/mining/hashrate/3d"
	}
	return &MempoolChain{url: url, client: newHTTPClient(timeout)}
}

func (p *MempoolChain) Name() string { return "mempool.space" }

// FetchChainStats implements ChainProvider. mempool.space reports the
// hashrate in H/s.
func (p *MempoolChain) FetchChainStats(ctx context.Context) (ChainStats, error) {
	var body struct {
		CurrentHashrate   float64 `json:"currentHashrate"`
		CurrentDifficulty float64 `json:"currentDifficulty"`
		BlockHeight       int64   `json:"blockHeight"`
	}
	if err := getJSON(ctx, p.client, p.url, &body); err != nil {
		return ChainStats{}, err
	}
	if body.CurrentHashrate <= 0 {
		return ChainStats{}, fmt.Errorf("mempool.space returned no hashrate")
	}
	return ChainStats{
		NetworkHashratePHS: body.CurrentHashrate / 1e15,
		Difficulty:         body.CurrentDifficulty,
		BlockHeight:        body.BlockHeight,
	}, nil
}
