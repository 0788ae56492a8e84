package binance

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/metrics"
	"fundspread-aggregator/internal/venue"
)

const (
	// EventTicker is the 24hr rolling window ticker event type.
	EventTicker = "24hrTicker"
	// EventMarkPrice carries mark price, funding rate and next settlement.
	EventMarkPrice = "markPriceUpdate"

	methodSubscribe   = "SUBSCRIBE"
	methodUnsubscribe = "UNSUBSCRIBE"

	// batchSize is the maximum streams per request frame; the venue
	// rejects larger frames and rate-limits rapid senders.
	batchSize = 50
)

// WSRequest is the stream management frame for the futures websocket.
type WSRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// Codec translates between canonical symbols and the Binance USDⓈ-M
// futures wire protocol. It owns no socket; the connection pool drives it.
type Codec struct {
	SubscribePause   time.Duration
	UnsubscribePause time.Duration
}

// NewCodec returns a codec with the production pacing defaults.
func NewCodec() *Codec {
	return &Codec{
		SubscribePause:   1500 * time.Millisecond,
		UnsubscribePause: time.Second,
	}
}

func (c *Codec) Exchange() venue.Exchange { return venue.Binance }

// Heartbeat returns a protocol-level ping; the venue answers with a pong
// control frame which the read loop consumes.
func (c *Codec) Heartbeat() (int, []byte) {
	return websocket.PingMessage, nil
}

func (c *Codec) BatchPause(op string) time.Duration {
	if op == venue.OpUnsubscribe {
		return c.UnsubscribePause
	}
	return c.SubscribePause
}

// StreamNames expands canonical symbols into the ticker and mark-price
// stream names, preserving symbol order.
func StreamNames(symbols []string) []string {
	streams := make([]string, 0, len(symbols)*2)
	for _, sym := range symbols {
		lower := strings.ToLower(sym)
		streams = append(streams, lower+"@ticker", lower+"@markPrice")
	}
	return streams
}

// SubscribeFrames builds SUBSCRIBE requests in batches of 50 streams.
// Request ids increase monotonically from 1 within one operation.
func (c *Codec) SubscribeFrames(symbols []string) [][]byte {
	return marshalBatches(methodSubscribe, StreamNames(symbols))
}

// UnsubscribeFrames mirrors SubscribeFrames.
func (c *Codec) UnsubscribeFrames(symbols []string) [][]byte {
	return marshalBatches(methodUnsubscribe, StreamNames(symbols))
}

func marshalBatches(method string, streams []string) [][]byte {
	var frames [][]byte
	for start := 0; start < len(streams); start += batchSize {
		end := start + batchSize
		if end > len(streams) {
			end = len(streams)
		}
		frame, err := json.Marshal(WSRequest{
			Method: method,
			Params: streams[start:end],
			ID:     int64(start/batchSize + 1),
		})
		if err != nil {
			log.Error().Err(err).Str("method", method).Msg("binance: marshal request failed")
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// Parse classifies one inbound frame. Subscription acknowledgements
// ({result:null, id:N}) and error frames are logged, never forwarded.
// The returned event carries the parsed frame verbatim in Raw.
func (c *Codec) Parse(frame []byte) (*venue.Event, bool) {
	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		metrics.RecordParseError(string(venue.Binance))
		log.Warn().Err(err).Msg("binance: malformed frame dropped")
		return nil, false
	}

	if errVal, ok := raw["error"]; ok {
		log.Error().Interface("error", errVal).Msg("binance: request rejected")
		return nil, false
	}
	if _, ok := raw["result"]; ok {
		log.Debug().Interface("id", raw["id"]).Msg("binance: request acknowledged")
		return nil, false
	}

	eventType, _ := raw["e"].(string)
	symbol, _ := raw["s"].(string)

	var kind venue.EventKind
	switch eventType {
	case EventTicker:
		kind = venue.KindTicker
	case EventMarkPrice:
		kind = venue.KindMarkPrice
	default:
		log.Debug().Str("event_type", eventType).Msg("binance: unhandled frame skipped")
		return nil, false
	}
	if symbol == "" {
		return nil, false
	}

	return &venue.Event{
		Exchange: venue.Binance,
		Symbol:   symbol,
		Kind:     kind,
		WireType: eventType,
		Raw:      raw,
		Received: time.Now(),
	}, true
}
