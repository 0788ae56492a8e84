package okx

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"fundspread-aggregator/internal/metrics"
	"fundspread-aggregator/internal/venue"
)

const (
	// ChannelTickers provides last price updates for an instrument.
	ChannelTickers = "tickers"
	// ChannelFundingRate provides funding rate and settlement times.
	ChannelFundingRate = "funding-rate"

	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"

	// subscribeBatchSize is the maximum number of channel args per
	// subscribe request; OKX rejects oversized frames.
	subscribeBatchSize = 50
	// unsubscribeBatchSize is deliberately smaller; unsubscribes are
	// throttled harder on the venue side.
	unsubscribeBatchSize = 10
)

// WSRequest is the operation frame sent on the public websocket.
type WSRequest struct {
	Op   string            `json:"op"`
	Args []SubscriptionArg `json:"args"`
}

// SubscriptionArg identifies one channel subscription.
type SubscriptionArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// Codec translates between canonical symbols and the OKX wire protocol.
// It owns no socket; the connection pool drives it.
type Codec struct {
	// SubscribePause is the sleep between subscribe batches.
	SubscribePause time.Duration
	// UnsubscribePause is the sleep between unsubscribe batches.
	UnsubscribePause time.Duration
}

// NewCodec returns a codec with the production pacing defaults.
func NewCodec() *Codec {
	return &Codec{
		SubscribePause:   1500 * time.Millisecond,
		UnsubscribePause: 2 * time.Second,
	}
}

func (c *Codec) Exchange() venue.Exchange { return venue.OKX }

// Heartbeat returns the application-level ping frame; OKX expects the
// literal text "ping" and answers "pong".
func (c *Codec) Heartbeat() (int, []byte) {
	return websocket.TextMessage, []byte("ping")
}

func (c *Codec) BatchPause(op string) time.Duration {
	if op == venue.OpUnsubscribe {
		return c.UnsubscribePause
	}
	return c.SubscribePause
}

// SubscribeFrames builds the subscribe requests for the given canonical
// symbols: one tickers arg and one funding-rate arg per symbol, batched.
func (c *Codec) SubscribeFrames(symbols []string) [][]byte {
	args := make([]SubscriptionArg, 0, len(symbols)*2)
	for _, sym := range symbols {
		instID := venue.InstIDFromCanonical(sym)
		args = append(args,
			SubscriptionArg{Channel: ChannelTickers, InstID: instID},
			SubscriptionArg{Channel: ChannelFundingRate, InstID: instID},
		)
	}
	return marshalBatches(opSubscribe, args, subscribeBatchSize)
}

// UnsubscribeFrames mirrors SubscribeFrames with the venue's tighter
// unsubscribe batching. Only the tickers channel is torn down explicitly;
// funding-rate subscriptions die with the socket.
func (c *Codec) UnsubscribeFrames(symbols []string) [][]byte {
	args := make([]SubscriptionArg, 0, len(symbols))
	for _, sym := range symbols {
		args = append(args, SubscriptionArg{Channel: ChannelTickers, InstID: venue.InstIDFromCanonical(sym)})
	}
	return marshalBatches(opUnsubscribe, args, unsubscribeBatchSize)
}

func marshalBatches(op string, args []SubscriptionArg, batchSize int) [][]byte {
	var frames [][]byte
	for start := 0; start < len(args); start += batchSize {
		end := start + batchSize
		if end > len(args) {
			end = len(args)
		}
		frame, err := json.Marshal(WSRequest{Op: op, Args: args[start:end]})
		if err != nil {
			log.Error().Err(err).Str("op", op).Msg("okx: marshal request failed")
			continue
		}
		frames = append(frames, frame)
	}
	return frames
}

// Parse classifies one inbound frame. The returned event carries the
// parsed frame verbatim in Raw. The second return is false for control
// frames (pong, subscription acks, error frames) and unparseable input,
// which are logged and never forwarded downstream.
func (c *Codec) Parse(frame []byte) (*venue.Event, bool) {
	if string(frame) == "pong" {
		return nil, false
	}

	var raw map[string]any
	if err := json.Unmarshal(frame, &raw); err != nil {
		metrics.RecordParseError(string(venue.OKX))
		log.Warn().Err(err).Msg("okx: malformed frame dropped")
		return nil, false
	}

	if event, ok := raw["event"].(string); ok {
		switch event {
		case "subscribe":
			log.Debug().Msg("okx: subscription acknowledged")
		case "error":
			log.Error().
				Interface("code", raw["code"]).
				Interface("msg", raw["msg"]).
				Msg("okx: subscription rejected")
		default:
			log.Debug().Str("event", event).Msg("okx: control frame skipped")
		}
		return nil, false
	}

	arg, _ := raw["arg"].(map[string]any)
	if arg == nil {
		return nil, false
	}
	channel, _ := arg["channel"].(string)
	instID, _ := arg["instId"].(string)
	data, _ := raw["data"].([]any)
	if len(data) == 0 {
		return nil, false
	}

	var kind venue.EventKind
	switch channel {
	case ChannelTickers:
		kind = venue.KindTicker
	case ChannelFundingRate:
		kind = venue.KindFundingRate
	default:
		return nil, false
	}

	return &venue.Event{
		Exchange: venue.OKX,
		Symbol:   venue.CanonicalFromInstID(instID),
		Kind:     kind,
		WireType: channel,
		Raw:      raw,
		Received: time.Now(),
	}, true
}
