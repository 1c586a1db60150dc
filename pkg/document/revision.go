// ABOUTME: Revision tokens for optimistic concurrency
// ABOUTME: Tokens look like "<generation>-<32 hex>" and change on every write

package document

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

var ErrMalformedRevision = errors.New("document: malformed revision")

// NextRev returns the revision that follows prev. An empty prev starts at
// generation 1.
func NextRev(prev string) (string, error) {
	gen := 0
	if prev != "" {
		g, err := Generation(prev)
		if err != nil {
			return "", err
		}
		gen = g
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%d-%s", gen+1, suffix), nil
}

// Generation returns the write count encoded in rev
func Generation(rev string) (int, error) {
	head, _, ok := strings.Cut(rev, "-")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRevision, rev)
	}
	gen, err := strconv.Atoi(head)
	if err != nil || gen < 1 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedRevision, rev)
	}
	return gen, nil
}
