package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerTo(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLoggerTo(&buf, "warn", "json")
	if err != nil {
		t.Fatal(err)
	}
	log.Info("hidden")
	symbolLog(log, "XRPUSDT").Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"symbol":"XRPUSDT"`) {
		t.Fatalf("output %q", out)
	}
	if log.GetLevel() != logrus.WarnLevel {
		t.Fatalf("level %s", log.GetLevel())
	}

	if _, err := newLoggerTo(&buf, "loud", "text"); err == nil {
		t.Fatal("bad level accepted")
	}
	if _, err := newLoggerTo(&buf, "info", "xml"); err == nil {
		t.Fatal("bad format accepted")
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("BOT_TEST_STR", " v ")
	t.Setenv("BOT_TEST_INT", "7")
	t.Setenv("BOT_TEST_BAD_INT", "seven")
	t.Setenv("BOT_TEST_FLOAT", "0.25")
	t.Setenv("BOT_TEST_BOOL", "yes")

	if getEnv("BOT_TEST_STR", "d") != "v" || getEnv("BOT_TEST_UNSET", "d") != "d" {
		t.Fatal("getEnv")
	}
	if getEnvInt("BOT_TEST_INT", 1) != 7 || getEnvInt("BOT_TEST_BAD_INT", 1) != 1 {
		t.Fatal("getEnvInt")
	}
	if getEnvFloat("BOT_TEST_FLOAT", 1) != 0.25 {
		t.Fatal("getEnvFloat")
	}
	if !getEnvBool("BOT_TEST_BOOL", false) || getEnvBool("BOT_TEST_UNSET", false) {
		t.Fatal("getEnvBool")
	}
}

func TestLoadBotEnvKeepsExported(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("BOT_TEST_FROM_FILE=file\nBOT_TEST_EXPORTED=file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BOT_TEST_EXPORTED", "shell")
	t.Setenv("BOT_TEST_FROM_FILE", "")
	os.Unsetenv("BOT_TEST_FROM_FILE")

	loadBotEnv(quietLogger(), filepath.Join(t.TempDir(), "missing.env"), path)

	if os.Getenv("BOT_TEST_FROM_FILE") != "file" || os.Getenv("BOT_TEST_EXPORTED") != "shell" {
		t.Fatalf("from_file=%q exported=%q", os.Getenv("BOT_TEST_FROM_FILE"), os.Getenv("BOT_TEST_EXPORTED"))
	}
}
