package kiwoom

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradeflow/logger"
	"tradeflow/models"

	"github.com/gorilla/websocket"
)

// Frame is one websocket message from the broker. Frames are keyed by
// trnm: LOGIN and REG carry return codes, PING must be echoed back,
// REAL carries market data items and SYSTEM carries broker notices.
type Frame struct {
	Trnm       string          `json:"trnm"`
	ReturnCode *int            `json:"return_code,omitempty"`
	ReturnMsg  string          `json:"return_msg,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`

	raw []byte
}

type realItem struct {
	Type   string            `json:"type"`
	Item   string            `json:"item"`
	Seq    int64             `json:"seq"`
	Values map[string]string `json:"values"`
}

// Stream wraps a single websocket connection to the realtime endpoint.
// It is not safe for concurrent use; one goroutine owns the connection.
type Stream struct {
	conn *websocket.Conn
	log  *logger.Log
}

// Dial opens a websocket connection to the realtime endpoint.
func Dial(ctx context.Context, wsURL string, handshakeTimeout time.Duration) (*Stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, models.TransientIO(fmt.Errorf("dial %s: %w", wsURL, err))
	}
	return &Stream{conn: conn, log: logger.GetLogger()}, nil
}

// Login authenticates the connection and waits for the LOGIN reply.
// PING frames received while waiting are echoed, other frames skipped.
func (s *Stream) Login(token string, timeout time.Duration) error {
	login := map[string]string{"trnm": TrnmLogin, "token": token}
	if err := s.writeJSON(login); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return models.TransientIO(fmt.Errorf("login reply not received within %s", timeout))
		}

		frame, err := s.ReadFrame(remaining)
		if err != nil {
			return err
		}

		switch frame.Trnm {
		case TrnmLogin:
			if frame.ReturnCode == nil || *frame.ReturnCode != 0 {
				return models.AuthExpired(fmt.Errorf("websocket login refused: %s", frame.ReturnMsg))
			}
			return nil
		case TrnmPing:
			if err := s.EchoPing(frame); err != nil {
				return err
			}
		case TrnmSystem:
			if frame.Code == SystemCodeAuthFailed {
				return models.AuthExpired(fmt.Errorf("websocket login refused: %s", frame.Message))
			}
		}
	}
}

// Register subscribes trade and quote streams for the given instruments.
func (s *Stream) Register(groupNo string, symbols []string) error {
	reg := map[string]interface{}{
		"trnm":    TrnmRegister,
		"grp_no":  groupNo,
		"refresh": "Y",
		"data": []map[string]interface{}{
			{
				"item": symbols,
				"type": []string{RealTypeTrade, RealTypeQuote},
			},
		},
	}
	return s.writeJSON(reg)
}

// ReadFrame reads the next frame. The timeout doubles as the liveness
// window: the broker pings periodically, so a read deadline firing
// means the connection has gone quiet.
func (s *Stream) ReadFrame(timeout time.Duration) (*Frame, error) {
	if timeout > 0 {
		if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, models.TransientIO(err)
		}
	}

	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return nil, models.TransientIO(err)
	}

	frame := &Frame{raw: raw}
	if err := json.Unmarshal(raw, frame); err != nil {
		s.log.WithComponent("kiwoom_stream").WithError(err).Debug("undecodable frame, skipping")
		return &Frame{raw: raw}, nil
	}
	return frame, nil
}

// Size returns the wire size of the frame in bytes.
func (f *Frame) Size() int {
	return len(f.raw)
}

// EchoPing replies to a server ping with the identical payload.
func (s *Stream) EchoPing(frame *Frame) error {
	if err := s.conn.WriteMessage(websocket.TextMessage, frame.raw); err != nil {
		return models.TransientIO(err)
	}
	return nil
}

// DecodeEvents converts a REAL frame into market events. Items with
// unknown types or unparseable values are dropped.
func (s *Stream) DecodeEvents(frame *Frame) []models.MarketEvent {
	if frame.Trnm != TrnmReal || len(frame.Data) == 0 {
		return nil
	}

	var items []realItem
	if err := json.Unmarshal(frame.Data, &items); err != nil {
		s.log.WithComponent("kiwoom_stream").WithError(err).Debug("undecodable REAL data, skipping")
		return nil
	}

	now := time.Now()
	events := make([]models.MarketEvent, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case RealTypeTrade:
			price, perr := parseSignedNumber(item.Values[fieldTradePrice])
			qty, qerr := parseSignedNumber(item.Values[fieldTradeQty])
			if perr != nil || qerr != nil {
				s.log.WithComponent("kiwoom_stream").WithFields(logger.Fields{
					"instrument": item.Item,
					"type":       item.Type,
				}).Debug("unparseable trade values, dropping item")
				continue
			}
			events = append(events, models.MarketEvent{
				InstrumentID:   item.Item,
				Type:           models.EventTypeTrade,
				Price:          price,
				Quantity:       qty,
				SequenceNumber: item.Seq,
				Timestamp:      parseEventClock(item.Values[fieldTradeTime], now),
				ReceivedTime:   now,
			})
		case RealTypeQuote:
			bid, berr := parseSignedNumber(item.Values[fieldBestBid])
			ask, aerr := parseSignedNumber(item.Values[fieldBestAsk])
			if berr != nil || aerr != nil {
				s.log.WithComponent("kiwoom_stream").WithFields(logger.Fields{
					"instrument": item.Item,
					"type":       item.Type,
				}).Debug("unparseable quote values, dropping item")
				continue
			}
			events = append(events, models.MarketEvent{
				InstrumentID:   item.Item,
				Type:           models.EventTypeQuote,
				Price:          bid,
				AskPrice:       ask,
				SequenceNumber: item.Seq,
				Timestamp:      parseEventClock(item.Values[fieldQuoteTime], now),
				ReceivedTime:   now,
			})
		default:
			s.log.WithComponent("kiwoom_stream").WithFields(logger.Fields{
				"type": item.Type,
			}).Debug("unhandled realtime type, dropping item")
		}
	}
	return events
}

// Close tears down the connection.
func (s *Stream) Close() {
	s.conn.Close()
}

func (s *Stream) writeJSON(v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return models.TransientIO(err)
	}
	return nil
}

// parseEventClock turns an HHMMSS exchange-time stamp into a timestamp
// on the current trading day. Falls back to the receive time.
func parseEventClock(hhmmss string, received time.Time) time.Time {
	if len(hhmmss) != 6 {
		return received
	}
	clock, err := time.ParseInLocation("150405", hhmmss, seoul)
	if err != nil {
		return received
	}
	local := received.In(seoul)
	return time.Date(local.Year(), local.Month(), local.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, seoul)
}
