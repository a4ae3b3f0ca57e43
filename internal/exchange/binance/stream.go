package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/events"
)

const (
	// StreamBaseURL is the production futures websocket endpoint.
	StreamBaseURL = "wss://fstream.binance.com"

	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
	readTimeout        = 90 * time.Second // Binance pings every ~3 min; mark price ticks every second
)

// MarkPriceStream subscribes to mark-price updates for a set of symbols
// and publishes each tick onto the event bus. Delivery is at-least-once;
// consumers tolerate duplicates and reordering.
type MarkPriceStream struct {
	baseURL  string
	exchange string
	symbols  []string
	bus      *events.Bus
	logger   zerolog.Logger
}

func NewMarkPriceStream(baseURL string, symbols []string, bus *events.Bus, logger zerolog.Logger) *MarkPriceStream {
	if baseURL == "" {
		baseURL = StreamBaseURL
	}
	return &MarkPriceStream{
		baseURL:  baseURL,
		exchange: "binance",
		symbols:  symbols,
		bus:      bus,
		logger:   logger,
	}
}

// markPriceEvent is one combined-stream payload.
type markPriceEvent struct {
	Data struct {
		EventType string          `json:"e"`
		Symbol    string          `json:"s"`
		MarkPrice decimal.Decimal `json:"p"`
	} `json:"data"`
}

func (s *MarkPriceStream) streamURL() string {
	parts := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		parts = append(parts, strings.ToLower(sym)+"@markPrice@1s")
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(parts, "/"))
}

// Run connects and pumps ticks until ctx is canceled, reconnecting with
// exponential backoff on any failure.
func (s *MarkPriceStream) Run(ctx context.Context) {
	if len(s.symbols) == 0 {
		s.logger.Warn().Msg("no symbols configured, mark price stream not starting")
		return
	}

	delay := reconnectBaseDelay
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Dur("reconnect_in", delay).Msg("mark price stream disconnected")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}
}

func (s *MarkPriceStream) runOnce(ctx context.Context) error {
	url := s.streamURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", url, err)
	}
	defer conn.Close()

	s.logger.Info().Int("symbols", len(s.symbols)).Msg("mark price stream connected")

	// The server pings; answering pongs is handled by the library, but the
	// read deadline must advance on every frame or a dead peer hangs us.
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}

		var evt markPriceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Debug().Err(err).Msg("skipping unparseable stream message")
			continue
		}
		if evt.Data.EventType != "markPriceUpdate" || evt.Data.Symbol == "" {
			continue
		}
		if !evt.Data.MarkPrice.IsPositive() {
			continue
		}

		s.bus.PublishPrice(evt.Data.Symbol, s.exchange, evt.Data.MarkPrice)
	}
}
