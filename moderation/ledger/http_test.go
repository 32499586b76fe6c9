package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Gateway backed by a MemLedger. Each receipt is reported pending on its
// first poll.
type testGateway struct {
	ml *MemLedger

	mu       sync.Mutex
	receipts map[string]*Receipt
	polled   map[string]bool
}

func newTestGateway(ml *MemLedger) *testGateway {
	return &testGateway{
		ml:       ml,
		receipts: make(map[string]*Receipt),
		polled:   make(map[string]bool),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (g *testGateway) tx(w http.ResponseWriter, r *Receipt, err error) {
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	g.mu.Lock()
	g.receipts[r.TxHash] = r
	g.mu.Unlock()
	writeJSON(w, txResp{TxHash: r.TxHash})
}

func (g *testGateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/identities/{id}", func(w http.ResponseWriter, r *http.Request) {
		st, err := g.ml.Status(r.Context(), r.PathValue("id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		if st == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, st)
	})
	mux.HandleFunc("GET /v1/identities/{id}/balance", func(w http.ResponseWriter, r *http.Request) {
		bal, _ := g.ml.Balance(r.Context(), r.PathValue("id"))
		writeJSON(w, balanceResp{Balance: bal})
	})
	mux.HandleFunc("GET /v1/fees", func(w http.ResponseWriter, r *http.Request) {
		price, _ := g.ml.FeeEstimate(r.Context())
		writeJSON(w, feeResp{GasPrice: price})
	})
	mux.HandleFunc("POST /v1/identities/{id}/register", func(w http.ResponseWriter, r *http.Request) {
		rec, err := g.ml.Register(r.Context(), r.PathValue("id"))
		g.tx(w, rec, err)
	})
	mux.HandleFunc("POST /v1/identities/{id}/unblock-request", func(w http.ResponseWriter, r *http.Request) {
		rec, err := g.ml.RequestUnblock(r.Context(), r.PathValue("id"))
		g.tx(w, rec, err)
	})
	mux.HandleFunc("POST /v1/identities/{id}/unblock", func(w http.ResponseWriter, r *http.Request) {
		rec, err := g.ml.AdminUnblock(r.Context(), r.PathValue("id"))
		g.tx(w, rec, err)
	})
	mux.HandleFunc("POST /v1/posts", func(w http.ResponseWriter, r *http.Request) {
		var req submitPostReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rec, err := g.ml.SubmitPost(r.Context(), req.Author, req.ContentHash, req.Score)
		g.tx(w, rec, err)
	})
	mux.HandleFunc("GET /v1/posts/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p, err := g.ml.GetPost(r.Context(), id)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, p)
	})
	mux.HandleFunc("GET /v1/tx/{hash}/receipt", func(w http.ResponseWriter, r *http.Request) {
		hash := r.PathValue("hash")
		g.mu.Lock()
		defer g.mu.Unlock()
		rec, ok := g.receipts[hash]
		if !ok || !g.polled[hash] {
			g.polled[hash] = true
			http.NotFound(w, r)
			return
		}
		writeJSON(w, rec)
	})
	return mux
}

func testHTTPLedger(t *testing.T, h http.Handler) *HTTPLedger {
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	l := NewHTTPLedger(srv.URL, "secret", 0)
	l.Client = srv.Client()
	l.PollInterval = 5 * time.Millisecond
	return l
}

func TestHTTPLedgerRoundTrip(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ml := NewMemLedger()
	l := testHTTPLedger(t, newTestGateway(ml).Handler())

	st, err := l.Status(ctx, aliceID)
	require.NoError(err)
	assert.Nil(st)

	price, err := l.FeeEstimate(ctx)
	require.NoError(err)
	assert.True(price.Equal(ml.GasPrice))
	bal, err := l.Balance(ctx, aliceID)
	require.NoError(err)
	assert.True(bal.Equal(decimal.NewFromInt(100)))

	r, err := l.Register(ctx, aliceID)
	require.NoError(err)
	assert.Equal(ReceiptSuccess, r.Status)
	assert.NotEmpty(r.TxHash)

	r, err = l.Register(ctx, aliceID)
	require.NoError(err)
	assert.Equal(0, r.Status)
	assert.Equal("User already registered", r.Reason)

	r, err = l.SubmitPost(ctx, aliceID, "abc123", 42)
	require.NoError(err)
	require.NotNil(r.PostID)
	p, err := l.GetPost(ctx, *r.PostID)
	require.NoError(err)
	assert.Equal("abc123", p.ContentHash)
	assert.Equal(int64(42), p.Score)

	_, err = l.GetPost(ctx, 1234)
	assert.ErrorIs(err, ErrPostNotFound)

	st, err = l.Status(ctx, aliceID)
	require.NoError(err)
	require.NotNil(st)
	assert.True(st.Registered)
}

func TestHTTPLedgerSynchronizer(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ml := NewMemLedger()
	l := testHTTPLedger(t, newTestGateway(ml).Handler())
	s := NewSynchronizer(l, nil, 5*time.Second)

	assert.NoError(s.EnsureRegistered(ctx, aliceID))
	assert.NoError(s.EnsureRegistered(ctx, aliceID))
	assert.Equal(1, ml.Calls("Register"))

	_, err := s.MirrorPost(ctx, aliceID, "abc", 0.33)
	assert.NoError(err)
}

func TestHTTPLedgerUnavailable(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := testHTTPLedger(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := l.Status(ctx, aliceID)
	assert.ErrorIs(err, ErrLedgerUnreachable)

	// repeated failures open the breaker
	for i := 0; i < 10; i++ {
		l.Status(ctx, aliceID)
	}
	_, err = l.Status(ctx, aliceID)
	assert.ErrorIs(err, ErrLedgerUnreachable)
	assert.Contains(err.Error(), "circuit breaker")
}

func TestHTTPLedgerRejected(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	l := testHTTPLedger(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "execution reverted", http.StatusUnprocessableEntity)
	}))

	_, err := l.Register(ctx, aliceID)
	assert.ErrorIs(err, ErrLedgerRejected)
	assert.Contains(err.Error(), "execution reverted")
}

func TestHTTPLedgerReceiptTimeout(t *testing.T) {
	assert := assert.New(t)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/identities/{id}/register", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, txResp{TxHash: "0xfeed"})
	})
	mux.HandleFunc("GET /v1/tx/{hash}/receipt", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	l := testHTTPLedger(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := l.Register(ctx, aliceID)
	assert.ErrorIs(err, ErrLedgerUnreachable)
	assert.Contains(err.Error(), "0xfeed")
}
