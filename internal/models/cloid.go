package models

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Cloid is a client order ID: a 128-bit value generated by the bot and
// echoed back by the exchange on every fill, which is what lets us match
// fills to the intents that produced them. The wire form is "0x" followed
// by 32 hex digits.
type Cloid [16]byte

// NewCloid returns a fresh random cloid (UUID v4 shape).
func NewCloid() Cloid {
	return Cloid(uuid.New())
}

// CloidFromHex parses a cloid from its hex form, with or without the "0x"
// prefix. Fill events from the exchange carry the prefixed form.
func CloidFromHex(s string) (Cloid, error) {
	normalized := strings.TrimPrefix(s, "0x")
	if len(normalized) != 32 {
		return Cloid{}, fmt.Errorf("invalid cloid %q: want 32 hex digits, got %d", s, len(normalized))
	}
	var c Cloid
	if _, err := hex.Decode(c[:], []byte(normalized)); err != nil {
		return Cloid{}, fmt.Errorf("invalid cloid %q: %w", s, err)
	}
	return c, nil
}

// Hex renders the wire form: "0x" + 32 lowercase hex digits.
func (c Cloid) Hex() string {
	return "0x" + hex.EncodeToString(c[:])
}

func (c Cloid) String() string {
	return c.Hex()
}

// IsZero reports whether c is the zero value. Generated cloids are UUID
// v4 and therefore never zero, so the zero value doubles as "no order".
func (c Cloid) IsZero() bool {
	return c == Cloid{}
}

// UUID returns the cloid as a uuid.UUID for SDK-level calls.
func (c Cloid) UUID() uuid.UUID {
	return uuid.UUID(c)
}

func (c Cloid) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Hex())
}

func (c *Cloid) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := CloidFromHex(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
