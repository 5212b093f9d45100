package network

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageHello            MessageType = "hello"
	MessageWelcome          MessageType = "welcome"
	MessageObserverPosition MessageType = "observer_position"
	MessageRegenerate       MessageType = "regenerate"
	MessageChunkHeights     MessageType = "chunk_heights"
	MessageChunkUnloaded    MessageType = "chunk_unloaded"
)

// HeightEncoding names the layout of ChunkHeights.Data.
const HeightEncoding = "f32le+zstd"

type Envelope struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Hello struct {
	ClientName string `json:"clientName"`
	// MaxQueue asks for a smaller outbound buffer than the server default.
	MaxQueue int `json:"maxQueue,omitempty"`
}

type Welcome struct {
	SessionID string  `json:"sessionId"`
	ServerID  string  `json:"serverId"`
	Loaded    int     `json:"loaded"`
	Encoding  string  `json:"encoding"`
	Depth     float64 `json:"depth"`
}

type ObserverPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// ChunkHeights carries one realized chunk. Data holds Resolution² float32
// heights, row-major, compressed with zstd.
type ChunkHeights struct {
	ChunkX     int        `json:"chunkX"`
	ChunkZ     int        `json:"chunkZ"`
	Resolution int        `json:"resolution"`
	Position   [3]float64 `json:"position"`
	Size       [3]float64 `json:"size"`
	Encoding   string     `json:"encoding"`
	Data       []byte     `json:"data"`
}

type ChunkUnloaded struct {
	ChunkX int `json:"chunkX"`
	ChunkZ int `json:"chunkZ"`
}

// NewEnvelope marshals payload into an envelope. A nil payload is omitted.
func NewEnvelope(t MessageType, seq uint64, payload any) (Envelope, error) {
	env := Envelope{Type: t, Timestamp: time.Now().UTC(), Seq: seq}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

func encodeEnvelope(t MessageType, seq uint64, payload any) ([]byte, error) {
	env, err := NewEnvelope(t, seq, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a websocket message.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
