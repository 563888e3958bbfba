package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedReadTimeout      = 90 * time.Second
	feedMaxReconnectWait = 30 * time.Second
	feedBufferSize       = 256
)

// FeedConfig configures the mempool fee feed.
type FeedConfig struct {
	URL string `mapstructure:"mempool_ws_url"`
	// MinCompetitorFee filters out ordinary traffic; only fees above it are
	// treated as competing bots.
	MinCompetitorFee uint64 `mapstructure:"min_competitor_fee"`
}

// ObservedFee is one competitor transaction seen in the mempool.
type ObservedFee struct {
	Hash   string
	Fee    uint64
	Source string
}

type mempoolTx struct {
	Type   string `json:"type"`
	Hash   string `json:"hash"`
	Fee    uint64 `json:"fee"`
	Source string `json:"source"`
}

// FeeFeed streams competitor fees from the ledger's mempool websocket and
// reconnects with exponential backoff (1s to 30s).
type FeeFeed struct {
	cfg    FeedConfig
	dialer *websocket.Dialer
	feesCh chan ObservedFee
	logger *slog.Logger
}

// NewFeeFeed creates a feed. Call Run to connect.
func NewFeeFeed(cfg FeedConfig, logger *slog.Logger) *FeeFeed {
	return &FeeFeed{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		feesCh: make(chan ObservedFee, feedBufferSize),
		logger: logger.With("component", "fee_feed"),
	}
}

// Fees returns a read-only channel of observed competitor fees.
func (f *FeeFeed) Fees() <-chan ObservedFee { return f.feesCh }

// Run connects and keeps the feed alive until ctx is cancelled.
func (f *FeeFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("mempool feed disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > feedMaxReconnectWait {
			backoff = feedMaxReconnectWait
		}
	}
}

func (f *FeeFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	// unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	f.logger.Info("mempool feed connected", "url", f.cfg.URL)

	for {
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *FeeFeed) dispatch(data []byte) {
	var envelope struct {
		mempoolTx
		Transactions []mempoolTx `json:"transactions"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json mempool message", "data", string(data))
		return
	}

	txs := envelope.Transactions
	if envelope.Type == "transaction" {
		txs = append(txs, envelope.mempoolTx)
	}
	for _, tx := range txs {
		if tx.Fee <= f.cfg.MinCompetitorFee {
			continue
		}
		select {
		case f.feesCh <- ObservedFee{Hash: tx.Hash, Fee: tx.Fee, Source: tx.Source}:
		default:
			f.logger.Warn("fee channel full, dropping observation", "hash", tx.Hash)
		}
	}
}
