package model

import "time"

// InboxRecord marks a message as processed by one consumer.
// (ConsumerID, MessageID) is unique; rows are never updated.
type InboxRecord struct {
	ConsumerID  string    `db:"consumer_id"`
	MessageID   string    `db:"message_id"`
	Schema      string    `db:"schema_name"`
	ResultHash  string    `db:"result_hash"`
	ResultData  []byte    `db:"result_data"`
	ProcessedAt time.Time `db:"processed_at"`
}
