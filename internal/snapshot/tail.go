// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"os"
	"unicode/utf8"

	lqerrors "github.com/jontk/leaseq/pkg/errors"
)

// TailChunk is one increment of appended log bytes, decoded defensively
// so a read that lands mid-rune never aborts the stream.
type TailChunk struct {
	Text       string
	NextOffset int64
	Truncated  bool   // path shrank or was replaced since the last read (log rotated out from under us)
}

// Tail reads whatever has been appended to path since fromOffset. A
// negative fromOffset means "from the start". Callers drive their own
// poll cadence (spec.md §4.6: ~250ms for a node-local path, ~1s for a
// path on shared storage) by calling Tail again with the returned
// NextOffset.
func Tail(path string, fromOffset int64) (TailChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return TailChunk{NextOffset: 0}, nil
		}
		return TailChunk{}, lqerrors.ClassifyFSError("open log for tail", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return TailChunk{}, lqerrors.ClassifyFSError("stat log for tail", err)
	}

	offset := fromOffset
	truncated := false
	if offset < 0 || offset > info.Size() {
		offset = 0
		truncated = fromOffset > 0
	}
	if offset == info.Size() {
		return TailChunk{NextOffset: offset, Truncated: truncated}, nil
	}

	buf := make([]byte, info.Size()-offset)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return TailChunk{}, lqerrors.ClassifyFSError("read log for tail", err)
	}
	buf = buf[:n]

	return TailChunk{Text: toValidUTF8(buf), NextOffset: offset + int64(n), Truncated: truncated}, nil
}

// toValidUTF8 replaces invalid byte sequences with the Unicode
// replacement character instead of dropping or rejecting them, since a
// tail read can legitimately split a multi-byte rune across two calls.
func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for i := 0; i < len(b); {
		r, size := utf8.DecodeRune(b[i:])
		out = append(out, r)
		i += size
	}
	return string(out)
}
