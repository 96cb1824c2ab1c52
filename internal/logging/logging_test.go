package logging

import (
	"errors"
	"testing"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("info", "json")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if logger == nil {
		t.Fatal("Expected Logger, got nil")
	}
	if logger.Logger == nil {
		t.Error("Expected zap.Logger to be initialized")
	}
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := NewLogger("invalid", "json")
	if err == nil {
		t.Error("Expected error for invalid log level")
	}
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if logger == nil {
		t.Fatal("Expected Logger, got nil")
	}
}

func TestNewLoggerDefaultFormat(t *testing.T) {
	if _, err := NewLogger("warn", ""); err != nil {
		t.Fatalf("Empty format should default to json: %v", err)
	}
}

func TestNewLoggerUnknownFormat(t *testing.T) {
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Error("Expected error for unknown encoding")
	}
}

func TestWithPeerID(t *testing.T) {
	logger, _ := NewLogger("info", "json")
	if logger.WithPeerID("peer-1") == nil {
		t.Error("Expected logger with peer ID, got nil")
	}
}

func TestWithMessageType(t *testing.T) {
	logger, _ := NewLogger("info", "json")
	if logger.WithMessageType("STATE_UPDATE") == nil {
		t.Error("Expected logger with message type, got nil")
	}
}

func TestWithNetworkID(t *testing.T) {
	if Nop().WithNetworkID("lobby") == nil {
		t.Error("Expected logger with network ID, got nil")
	}
}

func TestWithError(t *testing.T) {
	logger, _ := NewLogger("info", "json")
	testErr := errors.New("test error")
	errorLogger := logger.WithError(testErr)

	if errorLogger == nil {
		t.Error("Expected logger with error, got nil")
	}
}
