// Package market handles market-key parsing and validation. A market key
// identifies one prediction-market event as {chainId}:{eventId}, tying
// every order and trade to the chain its settlement contract lives on.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// keyRegex matches: {chainId}:{eventId}
// Example: 8453:1374
var keyRegex = regexp.MustCompile(`^([0-9]+):([0-9]+)$`)

var ErrInvalidKey = errors.New("market: invalid market key format")

// Key is a parsed market key.
type Key struct {
	Raw     string `json:"raw"`
	ChainID uint64 `json:"chain_id"`
	EventID uint64 `json:"event_id"`
}

// ParseKey parses and validates a market key string.
// Format: {chainId}:{eventId}
func ParseKey(raw string) (*Key, error) {
	matches := keyRegex.FindStringSubmatch(raw)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {chainId}:{eventId})", ErrInvalidKey, raw)
	}

	chainID, err := strconv.ParseUint(matches[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: chain id %s", ErrInvalidKey, matches[1])
	}
	eventID, err := strconv.ParseUint(matches[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: event id %s", ErrInvalidKey, matches[2])
	}
	if chainID == 0 {
		return nil, fmt.Errorf("%w: chain id must be positive", ErrInvalidKey)
	}

	return &Key{Raw: raw, ChainID: chainID, EventID: eventID}, nil
}

// Format builds a market key from its parts.
func Format(chainID, eventID uint64) string {
	return strconv.FormatUint(chainID, 10) + ":" + strconv.FormatUint(eventID, 10)
}
