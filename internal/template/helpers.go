package template

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/lestrrat-go/strftime"
)

const (
	defaultDatetimePattern = "%Y-%m-%d %H:%M:%S"
	defaultRandomMin       = 0
	defaultRandomMax       = 100
	defaultStringPattern   = "[a-zA-Z0-9]{10}"
	defaultStringLength    = 10
	alphanumeric           = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

type helperFunc func(e *Engine, args []any) (string, error)

var helpers = map[string]helperFunc{
	"current_datetime": currentDatetime,
	"random_number":    randomNumber,
	"ordered_number":   orderedNumber,
	"random_string":    randomString,
}

// Counter is a monotonically increasing sequence starting at 1
type Counter struct {
	n atomic.Uint64
}

// DefaultCounter is shared by every engine that is not given its own
var DefaultCounter = &Counter{}

// Next returns the next value of the sequence
func (c *Counter) Next() uint64 {
	return c.n.Add(1)
}

// current_datetime [pattern]: strftime pattern when it contains '%', Go layout otherwise
func currentDatetime(e *Engine, args []any) (string, error) {
	pattern := defaultDatetimePattern
	if len(args) > 0 {
		s, ok := args[0].(string)
		if !ok {
			return "", fmt.Errorf("current_datetime: pattern must be a string")
		}
		pattern = s
	}

	now := e.now().UTC()
	if !strings.Contains(pattern, "%") {
		return now.Format(pattern), nil
	}
	return strftime.Format(pattern, now)
}

// random_number [min] [max]: uniform integer in [min, max]
func randomNumber(e *Engine, args []any) (string, error) {
	lo, hi := int64(defaultRandomMin), int64(defaultRandomMax)
	if len(args) > 0 {
		v, err := toInt(args[0])
		if err != nil {
			return "", fmt.Errorf("random_number: min: %w", err)
		}
		lo = v
	}
	if len(args) > 1 {
		v, err := toInt(args[1])
		if err != nil {
			return "", fmt.Errorf("random_number: max: %w", err)
		}
		hi = v
	}
	if hi < lo {
		return "", fmt.Errorf("random_number: max %d below min %d", hi, lo)
	}
	// span is taken in uint64; the full int64 range wraps to 0
	span := uint64(hi) - uint64(lo) + 1
	return strconv.FormatInt(int64(uint64(lo)+e.uint64N(span)), 10), nil
}

// ordered_number: next value of the shared counter
func orderedNumber(e *Engine, _ []any) (string, error) {
	return strconv.FormatUint(e.counter.Next(), 10), nil
}

var quantifierPattern = regexp.MustCompile(`\{(\d+)\}$`)

// random_string [pattern]: alphanumerics accepted by the pattern's character
// class. Only a trailing {n} quantifier is honored; anything else is best effort.
func randomString(e *Engine, args []any) (string, error) {
	pattern := defaultStringPattern
	if len(args) > 0 {
		s, ok := args[0].(string)
		if !ok {
			return "", fmt.Errorf("random_string: pattern must be a string")
		}
		pattern = s
	}

	length := defaultStringLength
	class := pattern
	if m := quantifierPattern.FindStringSubmatch(pattern); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil {
			length = n
		}
		class = strings.TrimSuffix(pattern, m[0])
	}

	re, err := regexp.Compile("^(?:" + class + ")$")
	if err != nil {
		re = regexp.MustCompile(`^[a-zA-Z0-9]$`)
	}

	var alphabet []byte
	for i := 0; i < len(alphanumeric); i++ {
		if re.MatchString(alphanumeric[i : i+1]) {
			alphabet = append(alphabet, alphanumeric[i])
		}
	}
	if len(alphabet) == 0 {
		return "", fmt.Errorf("random_string: pattern %q admits no alphanumeric character", pattern)
	}

	out := make([]byte, length)
	for i := range out {
		out[i] = alphabet[e.intN(int64(len(alphabet)))]
	}
	return string(out), nil
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("%v out of integer range", n)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(n), 10, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
