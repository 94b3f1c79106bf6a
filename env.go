// FILE: env.go
// Package main – Environment helpers for the trading bot.
//
// This file provides:
//   1) Small helpers to read environment variables with defaults
//      (strings, ints, floats, bools).
//   2) loadBotEnv, which hydrates the process env from a .env file via godotenv.
//      Variables already exported win over the file, so container/systemd
//      settings are never clobbered.
//
// API secrets live only in the environment (MEXC_API_KEY / MEXC_API_SECRET by
// default); the YAML config names the variables, never the values.

package main

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// --------- Env helpers (used across files) ---------

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getEnvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "y", "yes":
		return true
	case "0", "false", "n", "no":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

// --------- .env loader ---------

// loadBotEnv reads the given .env files; a missing file is not an error.
func loadBotEnv(log *logrus.Logger, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debugf("[ENV] %s not found, relying on process env", p)
				continue
			}
			log.Warnf("[ENV] load %s: %v", p, err)
			continue
		}
		log.Infof("[ENV] loaded %s", p)
	}
}
