package builtin

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*-_=+"

var (
	rangeRe  = regexp.MustCompile(`(?i)between\s+(-?\d+)\s+and\s+(-?\d+)`)
	lengthRe = regexp.MustCompile(`(?i)(\d+)\s*(?:char|character)`)
)

// randomInt returns a cryptographically unbiased integer in [min, max] via
// rejection sampling.
func randomInt(min, max int64) (int64, error) {
	if min > max {
		min, max = max, min
	}
	span := uint64(max-min) + 1
	// Reject values above the largest multiple of span to avoid modulo bias.
	limit := ^uint64(0) - (^uint64(0) % span)
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return min + int64(v%span), nil
		}
	}
}

// randomPassword draws each character from crypto randomness. Length is
// clamped to [8, 128].
func randomPassword(length int) (string, error) {
	if length < 8 {
		length = 8
	}
	if length > 128 {
		length = 128
	}
	out := make([]byte, length)
	for i := range out {
		idx, err := randomInt(0, int64(len(passwordCharset)-1))
		if err != nil {
			return "", err
		}
		out[i] = passwordCharset[idx]
	}
	return string(out), nil
}

func handleRandom(message string, _ time.Time) (*Response, error) {
	lower := strings.ToLower(message)
	actions := []string{"Generate another", "Ask for a random number in a range"}
	respond := func(content string) (*Response, error) {
		return &Response{Content: content, SkillID: IDRandom, SuggestedActions: actions}, nil
	}

	switch {
	case strings.Contains(lower, "uuid"):
		return respond(fmt.Sprintf("Here's a UUID: **%s**", uuid.NewString()))
	case strings.Contains(lower, "password"):
		length := 16
		if m := lengthRe.FindStringSubmatch(message); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				length = n
			}
		}
		pw, err := randomPassword(length)
		if err != nil {
			return nil, err
		}
		return respond(fmt.Sprintf("Here's a password: `%s`", pw))
	case strings.Contains(lower, "coin"):
		n, err := randomInt(0, 1)
		if err != nil {
			return nil, err
		}
		side := "Heads"
		if n == 1 {
			side = "Tails"
		}
		return respond(fmt.Sprintf("**%s**!", side))
	default:
		min, max := int64(1), int64(100)
		if m := rangeRe.FindStringSubmatch(message); m != nil {
			min, _ = strconv.ParseInt(m[1], 10, 64)
			max, _ = strconv.ParseInt(m[2], 10, 64)
		}
		n, err := randomInt(min, max)
		if err != nil {
			return nil, err
		}
		return respond(fmt.Sprintf("Your random number is **%d**.", n))
	}
}
