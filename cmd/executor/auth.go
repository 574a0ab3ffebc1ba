package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// nowMsPlus returns a future Unix-millisecond timestamp, used as the
// expiry window the venue's WS auth handshake signs over.
func nowMsPlus(deltaMs int64) int64 {
	return time.Now().UnixMilli() + deltaMs
}

// signWSAuth computes the HMAC-SHA256 signature Bybit's private WS auth
// handshake expects: hex(HMAC(secret, "GET/realtime" + expires)).
func signWSAuth(secret string, expiresMs int64) string {
	msg := "GET/realtime" + strconv.FormatInt(expiresMs, 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}
