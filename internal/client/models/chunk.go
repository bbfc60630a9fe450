// Package models defines the client-side records kept in the upload buffer.
package models

import (
	"fmt"
	"time"
)

// MaxErrorHistory is the size of the per-chunk error ring.
const MaxErrorHistory = 5

// ErrorEntry is one failed upload attempt.
type ErrorEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// RetryMetadata tracks the backoff state of a buffered chunk. It is always
// initialized when the record is created.
type RetryMetadata struct {
	// RetryCount is the number of failed attempts so far.
	RetryCount int
	// LastAttempt is nil until the first failed attempt.
	LastAttempt *time.Time
	// NextRetry is the earliest time the chunk may be attempted again.
	NextRetry time.Time
	// Errors holds at most MaxErrorHistory entries, oldest first.
	Errors []ErrorEntry
}

// RecordFailure registers a failed attempt at now and schedules the next one
// after delay. The error ring drops its oldest entry once full.
func (m *RetryMetadata) RecordFailure(now time.Time, delay time.Duration, msg string) {
	m.RetryCount++
	at := now
	m.LastAttempt = &at
	m.NextRetry = now.Add(delay)

	m.Errors = append(m.Errors, ErrorEntry{Timestamp: now, Message: msg})
	if over := len(m.Errors) - MaxErrorHistory; over > 0 {
		m.Errors = append([]ErrorEntry(nil), m.Errors[over:]...)
	}
}

// LastError returns the most recent error entry, if any.
func (m *RetryMetadata) LastError() (ErrorEntry, bool) {
	if len(m.Errors) == 0 {
		return ErrorEntry{}, false
	}
	return m.Errors[len(m.Errors)-1], true
}

// ChunkRecord is one slice of a file waiting to be uploaded.
type ChunkRecord struct {
	ID         string
	FileName   string
	ChunkIndex int
	Data       []byte
	Retry      RetryMetadata
	CreatedAt  time.Time
}

// NewChunkRecord builds a record that is due immediately.
func NewChunkRecord(fileName string, index int, data []byte, now time.Time) *ChunkRecord {
	return &ChunkRecord{
		ID:         ChunkKey(fileName, index),
		FileName:   fileName,
		ChunkIndex: index,
		Data:       data,
		Retry: RetryMetadata{
			NextRetry: now,
			Errors:    []ErrorEntry{},
		},
		CreatedAt: now,
	}
}

// ChunkKey derives the store key of a chunk from its file name and index.
func ChunkKey(fileName string, index int) string {
	return fmt.Sprintf("%s-%d", fileName, index)
}
