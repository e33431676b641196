package auth

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBreachRangeURL is the Pwned Passwords k-anonymity range endpoint.
	DefaultBreachRangeURL = "https://api.pwnedpasswords.com/range/"
	breachUserAgent       = "credvault/0.2"
)

// ErrBreached is returned by RejectBreached when the password appears in
// the breach corpus.
var ErrBreached = errors.New("password appears in a known data breach")

// BreachResult reports whether a password hash suffix was listed.
type BreachResult struct {
	Found bool
	Count int
}

// BreachChecker queries a Pwned Passwords compatible range API. Only the
// first five hex characters of SHA-1(pw) ever leave the process.
type BreachChecker struct {
	BaseURL string
	Client  *http.Client
}

// NewBreachChecker returns a checker for the public endpoint with a short
// request timeout.
func NewBreachChecker() *BreachChecker {
	return &BreachChecker{
		BaseURL: DefaultBreachRangeURL,
		Client:  &http.Client{Timeout: 4 * time.Second},
	}
}

// Check looks pw up by hash prefix.
//
// Behavior:
//   - Splits the upper-case SHA-1 hex into a 5-char prefix (sent) and a
//     35-char suffix (kept locally).
//   - Requests padded results so the response size does not hint at a match.
//   - Streams "SUFFIX:COUNT" lines and returns on the first suffix match;
//     padding entries with a zero count never match.
func (c *BreachChecker) Check(ctx context.Context, pw string) (BreachResult, error) {
	var result BreachResult

	sum := sha1.Sum([]byte(pw))
	hashHex := strings.ToUpper(hex.EncodeToString(sum[:]))
	prefix := hashHex[:5]
	suffix := hashHex[5:]

	base := c.BaseURL
	if base == "" {
		base = DefaultBreachRangeURL
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+prefix, nil)
	if err != nil {
		return result, fmt.Errorf("breach request: %w", err)
	}
	req.Header.Set("User-Agent", breachUserAgent)
	req.Header.Set("Add-Padding", "true")

	resp, err := client.Do(req)
	if err != nil {
		return result, fmt.Errorf("breach query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("breach query: unexpected status %s", resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineSuffix, countStr, ok := strings.Cut(line, ":")
		if !ok || !strings.EqualFold(lineSuffix, suffix) {
			continue
		}

		count, err := strconv.Atoi(strings.TrimSpace(countStr))
		if err != nil {
			return result, fmt.Errorf("breach parse count: %w", err)
		}
		if count == 0 {
			continue
		}
		result.Found = true
		result.Count = count
		return result, nil
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("breach read response: %w", err)
	}
	return result, nil
}

// RejectBreached returns ErrBreached when pw is listed. Lookup failures are
// returned as is so the caller decides whether to fail open.
func (c *BreachChecker) RejectBreached(ctx context.Context, pw string) error {
	res, err := c.Check(ctx, pw)
	if err != nil {
		return err
	}
	if res.Found {
		return fmt.Errorf("%w (seen %d times)", ErrBreached, res.Count)
	}
	return nil
}
