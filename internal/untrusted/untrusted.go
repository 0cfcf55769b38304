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

// Package untrusted normalizes strings that originate outside the
// process boundary (webhook payloads, provider response bodies) before
// they are stored, logged, or attached to spans. Invalid UTF-8 in span
// attributes makes OTLP/protobuf reject the whole export batch, so
// everything provider-controlled goes through here first.
package untrusted

import (
	"strings"
	"unicode/utf8"
)

// String ensures s is valid UTF-8, replacing invalid byte sequences
// with the Unicode replacement character.
func String(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}

// Truncate caps s at max bytes without splitting a rune.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}

	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}

	return s[:max]
}

type sanitizedError struct {
	err error
}

func (e sanitizedError) Error() string {
	if e.err == nil {
		return ""
	}
	return String(e.err.Error())
}

func (e sanitizedError) Unwrap() error { return e.err }

// Error wraps an error so Error() is guaranteed to be valid UTF-8.
func Error(err error) error {
	if err == nil {
		return nil
	}
	if utf8.ValidString(err.Error()) {
		return err
	}
	return sanitizedError{err: err}
}
