package logging

import "testing"

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New(Config{Level: "not-a-level"}); err == nil {
		t.Fatal("want an error for an invalid level")
	}
}

func TestNewDefaultsToInfo(t *testing.T) {
	logger, err := New(Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer logger.Sync()

	if !logger.Core().Enabled(0) { // zapcore.InfoLevel == 0
		t.Fatal("want info level enabled by default")
	}
}
