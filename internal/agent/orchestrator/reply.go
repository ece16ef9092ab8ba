package orchestrator

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/MrWong99/parley/internal/inference"
)

// ErrInvalidField is wrapped by [MalformedReplyError] when the JSON object
// was recovered but one of its fields violates the reply contract.
var ErrInvalidField = errors.New("invalid reply field")

// MalformedReplyError reports a reply whose structured fields could not be
// used. The turn is still recorded with its raw text and a nil score.
type MalformedReplyError struct {
	Speaker string
	Turn    int

	// Err wraps [inference.ErrStructuredParse] or [ErrInvalidField].
	Err error
}

func (e *MalformedReplyError) Error() string {
	return fmt.Sprintf("malformed reply from %s at turn %d: %v", e.Speaker, e.Turn, e.Err)
}

func (e *MalformedReplyError) Unwrap() error { return e.Err }

// parsedReply holds the contract fields of one structured reply.
type parsedReply struct {
	reply          string
	satisfaction   *int
	keyPoints      []string
	needsFromOther []string
}

// replyKeys lists the accepted names of the reply text field in lookup order.
var replyKeys = []string{"reply", "reply_zh_tw"}

// parseReply validates the structured fields of r. A missing reply text is a
// contract violation; a missing or null satisfaction is not and yields a nil
// score.
func parseReply(r *inference.Reply) (parsedReply, error) {
	if r.StructuredErr != nil {
		return parsedReply{}, r.StructuredErr
	}
	if r.Fields == nil {
		return parsedReply{}, inference.ErrStructuredParse
	}

	var out parsedReply
	for _, k := range replyKeys {
		v, ok := r.Fields[k]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			return parsedReply{}, fieldErr(k, "must be a string")
		}
		out.reply = strings.TrimSpace(s)
		break
	}
	if out.reply == "" {
		return parsedReply{}, fieldErr("reply", "missing or empty")
	}

	score, err := parseScore(r.Fields["satisfaction"])
	if err != nil {
		return parsedReply{}, err
	}
	out.satisfaction = score

	if out.keyPoints, err = stringList("key_points", r.Fields["key_points"]); err != nil {
		return parsedReply{}, err
	}
	if out.needsFromOther, err = stringList("needs_from_other", r.Fields["needs_from_other"]); err != nil {
		return parsedReply{}, err
	}
	return out, nil
}

// parseScore accepts a JSON number or a numeric string in [0, 100]. Fractions
// are truncated.
func parseScore(v any) (*int, error) {
	var f float64
	switch x := v.(type) {
	case nil:
		return nil, nil
	case float64:
		f = x
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, fieldErr("satisfaction", "must be an integer 0-100")
		}
		f = n
	default:
		return nil, fieldErr("satisfaction", "must be an integer 0-100")
	}
	if math.IsNaN(f) || f < 0 || f > 100 {
		return nil, fieldErr("satisfaction", "out of range")
	}
	n := int(math.Trunc(f))
	return &n, nil
}

// stringList accepts either a string or a list of strings. Blank entries are
// dropped.
func stringList(field string, v any) ([]string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return []string{s}, nil
		}
		return nil, nil
	case []any:
		var out []string
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, fieldErr(field, "must contain strings only")
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fieldErr(field, "must be a string or a list of strings")
	}
}

func fieldErr(field, msg string) error {
	return fmt.Errorf("%w: %s %s", ErrInvalidField, field, msg)
}
