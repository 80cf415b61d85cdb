package opsserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mycelix-network/playsettle/pkg/db/memory"
	"github.com/mycelix-network/playsettle/pkg/ledger"
	"github.com/mycelix-network/playsettle/pkg/redis"
)

var testSecret = []byte("ops-secret")

type fixture struct {
	server  *Server
	tracker *ledger.Tracker
	batch   *ledger.SettlementBatch
	token   string
}

func newFixture(t *testing.T, feed *redis.Client) fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	store := memory.NewLedgerStore()
	l := ledger.NewLedger(logger, store, ledger.DefaultPricing())
	for i := 0; i < 2; i++ {
		_, err := l.RecordPlay(ctx, ledger.RecordPlayInput{
			ListenerID: "alice", ArtistID: "artist-1", SongID: "song-1",
			DurationListened: 120, SongDuration: 120,
		})
		require.NoError(t, err)
	}
	var pub ledger.StatusPublisher
	if feed != nil {
		pub = redis.NewStatusPublisher(feed)
	}
	batch, err := ledger.NewAggregator(logger, store, pub, 1).CreateSettlementBatch(ctx, "artist-1")
	require.NoError(t, err)
	tracker := ledger.NewTracker(logger, store, pub)

	token, err := IssueToken(testSecret, "ops", time.Hour)
	require.NoError(t, err)

	server := New(logger, Options{
		JWTSecret:   testSecret,
		Settlements: tracker,
		Ledger:      l,
		Status:      func() any { return map[string]uint64{"last_indexed": 42} },
		Feed:        feed,
	})
	return fixture{server: server, tracker: tracker, batch: batch, token: token}
}

func (f fixture) do(t *testing.T, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if auth {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsDependencyFailure(t *testing.T) {
	healthy := New(zaptest.NewLogger(t), Options{})
	rec := httptest.NewRecorder()
	healthy.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	broken := New(zaptest.NewLogger(t), Options{Health: func(context.Context) error { return errors.New("db down") }})
	rec = httptest.NewRecorder()
	broken.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestStatusAndMetrics(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/status", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"last_indexed":42}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSettlementRoutesRequireToken(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/settlements", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())

	forged, err := IssueToken([]byte("other-secret"), "ops", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/settlements", nil)
	req.Header.Set("Authorization", "Bearer "+forged)
	rec = httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := IssueToken(testSecret, "ops", -time.Minute)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/settlements", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	rec = httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSettlementRoutesAbsentWithoutSecret(t *testing.T) {
	server := New(zaptest.NewLogger(t), Options{Settlements: ledger.NewTracker(zaptest.NewLogger(t), memory.NewLedgerStore(), nil)})
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/settlements", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettlementLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t, nil)
	id := f.batch.ID.String()

	rec := f.do(t, http.MethodGet, "/settlements?artist=artist-1", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []batchView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	assert.Equal(t, f.batch.ID, listed[0].ID)
	assert.Equal(t, ledger.StatusPending, listed[0].Status)
	assert.Equal(t, 2, listed[0].Obligations)
	assert.Equal(t, f.batch.MerkleRoot.Hex(), listed[0].MerkleRoot)

	tx := common.HexToHash("0xabc1")
	rec = f.do(t, http.MethodPost, "/settlements/"+id+"/submitted", `{"tx_hash":"`+tx.Hex()+`"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view batchView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, ledger.StatusSubmitted, view.Status)
	assert.Equal(t, tx.Hex(), view.TxHash)

	// Submitted -> Submitted is not an edge
	rec = f.do(t, http.MethodPost, "/settlements/"+id+"/submitted", `{"tx_hash":"`+tx.Hex()+`"}`, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/settlements/"+id+"/failed", `{"reason":"reverted"}`, true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, ledger.StatusFailed, view.Status)
	assert.Equal(t, "reverted", view.FailureReason)
}

func TestSettlementRequestValidation(t *testing.T) {
	f := newFixture(t, nil)
	id := f.batch.ID.String()

	cases := []struct {
		name string
		path string
		body string
		code int
	}{
		{"bad id", "/settlements/not-a-uuid/submitted", `{"tx_hash":"0x01"}`, http.StatusBadRequest},
		{"bad body", "/settlements/" + id + "/submitted", `{`, http.StatusBadRequest},
		{"short hash", "/settlements/" + id + "/submitted", `{"tx_hash":"0x01"}`, http.StatusBadRequest},
		{"non hex hash", "/settlements/" + id + "/submitted", `{"tx_hash":"0x` + strings.Repeat("zz", 32) + `"}`, http.StatusBadRequest},
		{"zero hash", "/settlements/" + id + "/submitted", `{"tx_hash":"0x` + strings.Repeat("00", 32) + `"}`, http.StatusBadRequest},
		{"unknown batch", "/settlements/" + uuid.NewString() + "/failed", `{"reason":"x"}`, http.StatusNotFound},
		{"fail pending batch", "/settlements/" + id + "/failed", `{"reason":"x"}`, http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tc.path, tc.body, true)
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
		})
	}
}

func TestLedgerQueryRoutes(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodGet, "/listeners/alice/balance", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/listeners/alice/balance", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance balanceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, "alice", balance.Listener)
	assert.Equal(t, uint64(2), balance.PlayCount)
	assert.Equal(t, f.batch.TotalAmount, balance.TotalAmount)
	assert.Equal(t, balance.TotalAmount, balance.ByArtist["artist-1"])

	rec = f.do(t, http.MethodGet, "/songs/song-1/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats songStatsView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, uint64(2), stats.TotalPlays)
	assert.Equal(t, uint64(1), stats.UniqueListeners)
	assert.InDelta(t, 1.0, stats.AvgCompletion, 1e-9)

	rec = f.do(t, http.MethodGet, "/songs/unknown/stats", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Zero(t, stats.TotalPlays)
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var raw struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		require.NoError(t, conn.ReadJSON(&raw))
		if raw.Type != typ {
			continue
		}
		msg := ServerMessage{Type: raw.Type}
		if typ == "settlement.status" {
			var change ledger.StatusChange
			require.NoError(t, json.Unmarshal(raw.Payload, &change))
			msg.Payload = change
		}
		return msg
	}
}

func TestSettlementFeedStreamsMatchingArtists(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	feed := redis.Wrap(rdb, zaptest.NewLogger(t), redis.DefaultStreamMaxLen)
	f := newFixture(t, feed)

	srv := httptest.NewServer(f.server.Router())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/settlements?artist=artist-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	readUntil(t, conn, "info")

	ctx := context.Background()
	// another artist's change is filtered out
	redis.NewStatusPublisher(feed).PublishStatus(ctx, ledger.StatusChange{
		BatchID: uuid.New(), ArtistID: "artist-2", From: ledger.StatusPending, To: ledger.StatusSubmitted,
	})
	_, err = f.tracker.MarkSubmitted(ctx, f.batch.ID, common.HexToHash("0x01"))
	require.NoError(t, err)

	msg := readUntil(t, conn, "settlement.status")
	change := msg.Payload.(ledger.StatusChange)
	assert.Equal(t, f.batch.ID, change.BatchID)
	assert.Equal(t, "artist-1", change.ArtistID)
	assert.Equal(t, ledger.StatusSubmitted, change.To)

	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "subscribe", Artist: "artist-2"}))
	readUntil(t, conn, "subscribed")
	require.NoError(t, conn.WriteJSON(ClientMessage{Action: "nope", Artist: "artist-2"}))
	readUntil(t, conn, "error")
}

func TestArtistFilter(t *testing.T) {
	all := newArtistFilter("")
	assert.True(t, all.matches("anyone"))

	one := newArtistFilter("a1")
	assert.True(t, one.matches("a1"))
	assert.False(t, one.matches("a2"))
	one.add("a2")
	assert.True(t, one.matches("a2"))
	one.remove("a1")
	assert.False(t, one.matches("a1"))
}
