package main

import (
	"strings"
	"testing"

	"github.com/sgarimella/mentor-site/pkg/logging"
)

func TestRunRequiresDatabaseURL(t *testing.T) {
	err := run("", nil, logging.New("error"))
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}
}

func TestRunForceRequiresVersion(t *testing.T) {
	err := run("postgres://localhost/db", []string{"force"}, logging.New("error"))
	if err == nil || !strings.Contains(err.Error(), "force requires a version") {
		t.Fatalf("expected force usage error, got %v", err)
	}
}
