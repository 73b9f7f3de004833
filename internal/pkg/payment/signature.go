package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureTolerance bounds how old a webhook timestamp may be before
// the delivery is rejected as a possible replay.
const DefaultSignatureTolerance = 5 * time.Minute

var ErrInvalidSignature = errors.New("invalid webhook signature")

// VerifySignature checks the processor's signature header against the raw
// request body. The header carries a unix timestamp and one or more v1 HMAC
// candidates: "t=<ts>,v1=<hex>[,v1=<hex>...]". The signed payload is
// "<ts>.<body>" with the shared webhook secret as HMAC-SHA256 key. Any parse
// failure verifies as invalid.
func VerifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if strings.TrimSpace(secret) == "" {
		return errors.New("webhook secret is not configured")
	}

	var ts int64
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return ErrInvalidSignature
			}
			ts = parsed
		case "v1":
			candidates = append(candidates, v)
		}
	}
	if ts == 0 || len(candidates) == 0 {
		return ErrInvalidSignature
	}

	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return ErrInvalidSignature
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	for _, candidate := range candidates {
		sig, err := hex.DecodeString(strings.TrimSpace(candidate))
		if err != nil {
			continue
		}
		if hmac.Equal(sig, expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignPayload produces a valid signature header for the given body, used by
// tests and the local webhook replay tool.
func SignPayload(payload []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}
