package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const phrase12 = "abandon ability able about above absent absorb abstract absurd abuse access accident"

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", NewError(KindRateLimited, "slow down", nil), KindRateLimited},
		{"wrapped classified", fmt.Errorf("attempt 3: %w", NewError(KindInsufficientBalance, "x", nil)), KindInsufficientBalance},
		{"timeout", fmt.Errorf("post: %w", timeoutErr{}), KindNetwork},
		{"reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, KindNetwork},
		{"refused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), KindNetwork},
		{"dns", &net.DNSError{Err: "no such host", Name: "ledger"}, KindNetwork},
		{"plain", errors.New("boom"), KindAPI},
		{"seed phrase", ErrInvalidSeedPhrase, KindValidation},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("%s: Classify = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("claim: %w", NewError(KindRateLimited, "429", nil))
	if !errors.Is(err, ErrRateLimited) {
		t.Error("errors.Is(err, ErrRateLimited) = false")
	}
	if errors.Is(err, ErrNetwork) {
		t.Error("errors.Is(err, ErrNetwork) = true")
	}
	if !errors.Is(ErrInvalidSeedPhrase, ErrValidation) {
		t.Error("ErrInvalidSeedPhrase should be a validation error")
	}
}

func TestHTTPClientClaim(t *testing.T) {
	t.Parallel()
	var got claimPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/transactions/claim" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"transaction_id":"tx-1","amount_claimed":"42000000","fee_paid":"1000000"}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, testLogger())
	res, err := c.ClaimWithSponsor(context.Background(), ClaimRequest{Wallet: "GW", Sponsor: "GS", Fee: 1_000_000})
	if err != nil {
		t.Fatalf("ClaimWithSponsor: %v", err)
	}
	if res.TransactionID != "tx-1" || res.Amount != 42_000_000 || res.Fee != 1_000_000 {
		t.Errorf("result = %+v", res)
	}
	if got.Type != "claim" || got.WalletAddress != "GW" || got.SponsorAddress != "GS" || got.Fee != "1000000" {
		t.Errorf("payload = %+v", got)
	}
	if _, err := time.Parse(time.RFC3339, got.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", got.Timestamp, err)
	}
}

func TestHTTPClientTransferPayload(t *testing.T) {
	t.Parallel()
	var got transferPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"transaction_id":"tx-2","status":"pending"}`)
	}))
	defer srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/"}, testLogger())
	res, err := c.Transfer(context.Background(), TransferRequest{From: "GA", To: "GB", Amount: 150_000_000, Fee: 7, Memo: "rent"})
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if res.TransactionID != "tx-2" || res.Fee != 7 || res.Amount != 150_000_000 {
		t.Errorf("result = %+v", res)
	}
	if got.FromAddress != "GA" || got.ToAddress != "GB" || got.Amount != "150000000" || got.Memo != "rent" {
		t.Errorf("payload = %+v", got)
	}
}

func TestHTTPClientErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"rate limited", http.StatusTooManyRequests, "", KindRateLimited},
		{"insufficient", http.StatusBadRequest, `{"error":"Insufficient balance"}`, KindInsufficientBalance},
		{"bad request", http.StatusBadRequest, `{"error":"bad memo"}`, KindAPI},
		{"server", http.StatusInternalServerError, "oops", KindAPI},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			io.WriteString(w, tt.body)
		}))
		c := NewHTTPClient(HTTPConfig{BaseURL: srv.URL}, testLogger())
		_, err := c.Transfer(context.Background(), TransferRequest{From: "GA", To: "GB", Amount: 1})
		srv.Close()
		if err == nil {
			t.Errorf("%s: expected error", tt.name)
			continue
		}
		if got := Classify(err); got != tt.want {
			t.Errorf("%s: kind = %v, want %v (err %v)", tt.name, got, tt.want, err)
		}
	}
}

func TestHTTPClientNetworkFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewHTTPClient(HTTPConfig{BaseURL: url, Timeout: time.Second}, testLogger())
	_, err := c.ClaimWithSponsor(context.Background(), ClaimRequest{Wallet: "GW", Sponsor: "GS"})
	if Classify(err) != KindNetwork {
		t.Errorf("kind = %v, want network (err %v)", Classify(err), err)
	}
}

func TestMockDefaultsToSuccess(t *testing.T) {
	t.Parallel()
	m := &Mock{}
	res, err := m.Transfer(context.Background(), TransferRequest{Amount: 5, Fee: 1})
	if err != nil || res.TransactionID == "" || res.Amount != 5 {
		t.Errorf("Transfer = %+v, %v", res, err)
	}
	m.ClaimFunc = func(context.Context, ClaimRequest) (ClaimResult, error) {
		return ClaimResult{}, NewError(KindNetwork, "down", nil)
	}
	if _, err := m.ClaimWithSponsor(context.Background(), ClaimRequest{}); Classify(err) != KindNetwork {
		t.Errorf("scripted claim err = %v", err)
	}
	if c, tr := m.Calls(); c != 1 || tr != 1 {
		t.Errorf("Calls() = %d, %d, want 1, 1", c, tr)
	}
}

func TestPhraseDeriver(t *testing.T) {
	t.Parallel()
	d := PhraseDeriver{}

	a, err := d.DeriveAddress(phrase12)
	if err != nil {
		t.Fatalf("DeriveAddress: %v", err)
	}
	if len(a) != 41 || a[0] != 'G' || strings.ToUpper(a) != a {
		t.Errorf("address %q has wrong shape", a)
	}
	b, _ := d.DeriveAddress("  " + strings.ToUpper(phrase12) + "\n")
	if a != b {
		t.Errorf("derivation not normalised: %q != %q", a, b)
	}
	twentyFour := phrase12 + " " + phrase12
	if _, err := d.DeriveAddress(twentyFour); err != nil {
		t.Errorf("24 words: %v", err)
	}

	for _, bad := range []string{"", "one two three", phrase12 + " extra", strings.Replace(phrase12, "able", "ab1e", 1)} {
		if _, err := d.DeriveAddress(bad); !errors.Is(err, ErrInvalidSeedPhrase) {
			t.Errorf("DeriveAddress(%q) err = %v, want ErrInvalidSeedPhrase", bad, err)
		}
	}
}

func TestFingerprintStable(t *testing.T) {
	t.Parallel()
	if Fingerprint(phrase12) != Fingerprint(strings.ToUpper(phrase12)) {
		t.Error("fingerprint should ignore case")
	}
	if len(Fingerprint(phrase12)) != 8 {
		t.Errorf("fingerprint %q, want 8 hex chars", Fingerprint(phrase12))
	}
}

func TestFeeFeedEmitsCompetitorFees(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transaction","hash":"h1","fee":500,"source":"GX"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transaction","hash":"h2","fee":4000000,"source":"GX"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"transactions":[{"hash":"h3","fee":9000000,"source":"GY"}]}`))
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := NewFeeFeed(FeedConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), MinCompetitorFee: 1_000_000}, testLogger())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	want := []ObservedFee{{"h2", 4_000_000, "GX"}, {"h3", 9_000_000, "GY"}}
	for _, w := range want {
		select {
		case got := <-feed.Fees():
			if got != w {
				t.Errorf("observed %+v, want %+v", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", w.Hash)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
