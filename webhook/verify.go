// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrBadSignature is the authentication failure for inbound webhooks.
// Wrapped variants carry the specific reason for observability; the
// HTTP layer responds 401 for all of them without touching the body.
var ErrBadSignature = errors.New("invalid webhook signature")

// DefaultTolerance is the replay window around the signature
// timestamp.
const DefaultTolerance = 5 * time.Minute

// Verify authenticates a raw webhook body against its signature
// header. The header format is "ts=<unix_seconds>;h1=<hex_hmac>", in
// that order, and the signed message is "<ts>:<body>". The timestamp
// must fall within tolerance of now; the HMAC comparison is
// constant-time.
func Verify(raw []byte, header, secret string, now time.Time, tolerance time.Duration) error {
	parts := strings.Split(header, ";")
	if len(parts) != 2 {
		return fmt.Errorf("%w: header must have exactly two segments", ErrBadSignature)
	}

	tsPart, ok := strings.CutPrefix(parts[0], "ts=")
	if !ok {
		return fmt.Errorf("%w: first segment is not ts", ErrBadSignature)
	}

	sigPart, ok := strings.CutPrefix(parts[1], "h1=")
	if !ok {
		return fmt.Errorf("%w: second segment is not h1", ErrBadSignature)
	}

	if tsPart == "" || !isDigits(tsPart) {
		return fmt.Errorf("%w: timestamp is not numeric", ErrBadSignature)
	}

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp is not numeric", ErrBadSignature)
	}

	age := now.Sub(time.Unix(ts, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrBadSignature)
	}

	sig, err := hex.DecodeString(sigPart)
	if err != nil || len(sig) != sha256.Size {
		return fmt.Errorf("%w: signature is not a sha256 hex digest", ErrBadSignature)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(tsPart))
	mac.Write([]byte(":"))
	mac.Write(raw)

	if !hmac.Equal(sig, mac.Sum(nil)) {
		return fmt.Errorf("%w: digest mismatch", ErrBadSignature)
	}

	return nil
}

// Sign produces a signature header for raw at the given time. The
// inverse of Verify, used by tests and the local delivery tool.
func Sign(raw []byte, secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte(":"))
	mac.Write(raw)

	return fmt.Sprintf("ts=%s;h1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
