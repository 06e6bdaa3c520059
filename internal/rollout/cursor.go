package rollout

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relayforge/sessiond/internal/rpcerr"
)

// cursorToken is the decoded form of an opaque pagination cursor: the last
// seen (timestamp, thread id) pair from a prior page, per spec.md §4.7's
// "stable opaque token... encodes the last-seen (timestamp, thread_id)
// pair" cursor semantics.
type cursorToken struct {
	lastTimestamp time.Time
	lastThreadID  string
}

// encodeCursor serializes a cursorToken into the wire string. Encoding is
// base64 so the token is safe to embed verbatim in JSON and treated as an
// immutable opaque value by callers, matching spec.md §9's cursor-opacity
// design note.
func encodeCursor(tok cursorToken) string {
	raw := fmt.Sprintf("%d\x1f%s", tok.lastTimestamp.UnixNano(), tok.lastThreadID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// parseCursor decodes a wire cursor string. Returns an InvalidRequest-class
// error on any malformed input, per spec.md §4.7's "parse_cursor fails with
// InvalidRequest on garbage".
func parseCursor(cursor string) (cursorToken, error) {
	if cursor == "" {
		return cursorToken{}, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return cursorToken{}, rpcerr.Parse(fmt.Errorf("invalid cursor %q", cursor))
	}
	parts := strings.SplitN(string(raw), "\x1f", 2)
	if len(parts) != 2 {
		return cursorToken{}, rpcerr.Parse(fmt.Errorf("invalid cursor %q", cursor))
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return cursorToken{}, rpcerr.Parse(fmt.Errorf("invalid cursor %q", cursor))
	}
	if parts[1] == "" {
		return cursorToken{}, rpcerr.Parse(fmt.Errorf("invalid cursor %q", cursor))
	}
	return cursorToken{lastTimestamp: time.Unix(0, nanos), lastThreadID: parts[1]}, nil
}

// paginate walks sorted (newest-first), tie-broken-by-id summaries starting
// strictly after tok, applies filter+limit, and returns a Page whose
// NextCursor is empty once the scan is exhausted. It guarantees invariant
// 9 (stable pagination) and testable property 1 (exhaustive, non-looping):
// a page that would re-emit the same cursor because every remaining item
// was filtered out instead reports exhaustion.
func paginate(all []ThreadSummary, limit int, cursor string, keyOf func(ThreadSummary) time.Time, match func(ThreadSummary) bool) (Page, error) {
	tok, err := parseCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	started := cursor == ""
	var out []ThreadSummary
	for _, s := range all {
		if !started {
			if keyOf(s).Equal(tok.lastTimestamp) && s.ThreadID == tok.lastThreadID {
				started = true
			}
			continue
		}
		if !match(s) {
			continue
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}

	page := Page{Items: out}
	if len(out) == limit {
		// There may be more after the last returned item; only emit a
		// next cursor if something beyond it actually exists so repeated
		// calls cannot loop on an unreachable cursor.
		last := out[len(out)-1]
		foundMore := false
		afterLast := false
		for _, s := range all {
			if !afterLast {
				if keyOf(s).Equal(keyOf(last)) && s.ThreadID == last.ThreadID {
					afterLast = true
				}
				continue
			}
			foundMore = true
			break
		}
		if foundMore {
			page.NextCursor = encodeCursor(cursorToken{lastTimestamp: keyOf(last), lastThreadID: last.ThreadID})
		}
	}
	return page, nil
}
