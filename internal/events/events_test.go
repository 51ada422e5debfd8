package events

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paylock/internal/terms"
)

type captureSink struct {
	mu     sync.Mutex
	events []*Event
}

func (s *captureSink) Broadcast(e *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) all() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

func TestNilEmitterIsNoOp(t *testing.T) {
	var e *Emitter
	id := terms.ID(common.HexToHash("0x01"))
	p := terms.Terms{}

	// Must not panic.
	e.PaymentAuthorized(id, p, big.NewInt(1), 100)
	e.PaymentReleased(id, p, big.NewInt(1))
	e.PaymentFrozen(id, p, true)
	e.FeesDistributed(common.Address{}, common.Address{}, nil)
}

func TestEmitterStampsEvents(t *testing.T) {
	sink := &captureSink{}
	e := NewEmitter(sink, testLogger())
	id := terms.ID(common.HexToHash("0xaa"))
	p := terms.Terms{
		Payer:    common.HexToAddress("0x01"),
		Receiver: common.HexToAddress("0x02"),
		Token:    common.HexToAddress("0x03"),
	}

	e.PaymentAuthorized(id, p, big.NewInt(500), 250)
	e.PaymentRefunded(id, p, big.NewInt(200), true)
	e.PaymentRefunded(id, p, big.NewInt(300), false)
	e.RefundRequested(id, 2, big.NewInt(300))

	got := sink.all()
	require.Len(t, got, 4)

	auth := got[0]
	assert.Equal(t, TypeAuthorized, auth.Type)
	assert.Equal(t, id, auth.Payment)
	assert.Equal(t, "500", auth.Amount)
	assert.Equal(t, uint16(250), auth.FeeBps)
	assert.True(t, strings.HasPrefix(auth.ID, "evt_"))
	assert.False(t, auth.Timestamp.IsZero())

	assert.Equal(t, TypeRefundedEscrow, got[1].Type)
	assert.Equal(t, TypeRefundedPost, got[2].Type)
	assert.Equal(t, TypeRefundRequested, got[3].Type)
}

func TestHubDeliversToSubscriber(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Registration races the broadcast; retry until the subscriber
	// is attached.
	e := NewEmitter(hub, testLogger())
	id := terms.ID(common.HexToHash("0xbb"))

	done := make(chan []byte, 1)
	go func() {
		_, msg, err := conn.ReadMessage()
		if err == nil {
			done <- msg
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		e.PaymentReleased(id, terms.Terms{}, big.NewInt(42))
		select {
		case msg := <-done:
			assert.Contains(t, string(msg), string(TypeReleased))
			assert.Contains(t, string(msg), `"42"`)
			return
		case <-deadline:
			t.Fatal("subscriber never received event")
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestHubBroadcastAfterStopDoesNotBlock(t *testing.T) {
	hub := NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	<-hub.done

	ch := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast(&Event{Type: TypeReleased})
		}
		close(ch)
	}()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on stopped hub")
	}
}
