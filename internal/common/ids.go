package common

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// NewJobID returns a fresh server-generated job identifier.
func NewJobID() string {
	return uuid.New().String()
}

// NewSessionID returns a fresh client-style session identifier, used by
// tests and local tooling that need to mint a session the way a real
// client would (sessions are otherwise opaque and client-supplied).
func NewSessionID() string {
	return uuid.New().String()
}

// WorkerID is a process-wide identity used as processingLock.lockedBy.
// Computed once at startup: hostname:pid:random-suffix.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), hex.EncodeToString(suffix))
}
