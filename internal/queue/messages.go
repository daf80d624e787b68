// Package queue defines the wire messages carried on the Redis Streams
// change-notification bus (§4.7: "Change-notifications from the storage
// layer ... short-circuit polls by invalidating the in-memory cache").
// ToJSON/FromJSON plus a manual Validate method follow the same
// hand-rolled-validation shape the teacher uses for its own stream
// messages, rather than reaching for a JSON-schema library.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ChangeStream is the Redis stream name the processor's invalidation
// consumer group reads from.
const ChangeStream = "walletcore:record-changes"

// RecordKind enumerates the record classes a ChangeNotification can name,
// matching internal/processor's driver kinds.
type RecordKind string

const (
	KindCashuReceiveQuote RecordKind = "cashu_receive_quote"
	KindSparkReceiveQuote RecordKind = "spark_receive_quote"
	KindCashuSendQuote    RecordKind = "cashu_send_quote"
	KindSparkSendQuote    RecordKind = "spark_send_quote"
	KindCashuTokenSwap    RecordKind = "cashu_token_swap"
	KindCashuSendSwap     RecordKind = "cashu_send_swap"
)

// ChangeNotification announces that a record's state advanced to Version,
// letting any processor instance holding a stale cache entry for RecordID
// drop it instead of waiting out its stale-TTL.
type ChangeNotification struct {
	Kind     RecordKind `json:"kind"`
	RecordID string     `json:"recordId"`
	Version  int64      `json:"version"`
}

// ToJSON serializes the notification to JSON bytes.
func (m *ChangeNotification) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal change notification: %w", err)
	}
	return data, nil
}

// FromJSONChangeNotification deserializes and validates a ChangeNotification.
func FromJSONChangeNotification(data []byte) (*ChangeNotification, error) {
	msg := &ChangeNotification{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change notification: %w", err)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// Validate checks that the notification names a known kind and a record.
func (m *ChangeNotification) Validate() error {
	if m.RecordID == "" {
		return errors.New("recordId is required")
	}
	if m.Version <= 0 {
		return errors.New("version must be greater than 0")
	}
	switch m.Kind {
	case KindCashuReceiveQuote, KindSparkReceiveQuote, KindCashuSendQuote, KindSparkSendQuote, KindCashuTokenSwap, KindCashuSendSwap:
	default:
		return fmt.Errorf("kind %q is not a recognised record kind", m.Kind)
	}
	return nil
}
