package booking

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Rule maps message keywords to an outcome. Rules are evaluated in order and
// the first rule with any matching keyword wins.
type Rule struct {
	Keywords []string
	Kind     OutcomeKind
}

// MessageRules is the ordered keyword table applied to failed submissions.
// The portal exposes no stable status code, only wording, so new variants are
// added here.
var MessageRules = []Rule{
	{Keywords: []string{"验证码", "captcha"}, Kind: CaptchaInvalid},
	{Keywords: []string{"频繁", "rate limit", "too many"}, Kind: RateLimited},
	{Keywords: []string{"已预约", "已经预约", "already"}, Kind: AlreadyBooked},
	{Keywords: []string{"人数已满", "已满", "is full", "capacity"}, Kind: CapacityFull},
}

type submitResponse struct {
	Success *bool           `json:"success"`
	Code    json.RawMessage `json:"code"`
	Msg     string          `json:"msg"`
}

// Classify maps a raw submission body to an outcome. It is total: every input
// produces exactly one outcome.
func Classify(raw []byte) Outcome {
	trimmed := bytes.TrimSpace(raw)
	var resp submitResponse
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &resp) != nil {
		return Outcome{Kind: SessionExpired, Message: snippet(trimmed)}
	}
	if resp.Success != nil && *resp.Success {
		return Outcome{Kind: Success, Message: resp.Msg}
	}
	return classifyMessage(resp.Msg)
}

func classifyMessage(msg string) Outcome {
	lower := strings.ToLower(msg)
	for _, rule := range MessageRules {
		for _, kw := range rule.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return Outcome{Kind: rule.Kind, Message: msg}
			}
		}
	}
	return Outcome{Kind: UnknownFailure, Message: msg}
}

// CheckAvailability classifies the listing before a submission. ok is true
// when the resource is listed with capacity left; otherwise the outcome says why.
func CheckAvailability(resources []Resource, id string) (Outcome, Resource, bool) {
	r, found := FindResource(resources, id)
	if !found {
		return Outcome{Kind: ResourceUnavailable}, Resource{}, false
	}
	if r.Remaining() <= 0 {
		return Outcome{Kind: CapacityFull}, r, false
	}
	return Outcome{}, r, true
}

// ClassifyListingError reports whether a DecodeListing error is terminal for
// the task. Only a lost session is; malformed listings are retried.
func ClassifyListingError(err error) (Outcome, bool) {
	if errors.Is(err, ErrSessionExpired) {
		return Outcome{Kind: SessionExpired}, true
	}
	return Outcome{}, false
}

func snippet(b []byte) string {
	const limit = 64
	r := []rune(string(b))
	if len(r) > limit {
		r = r[:limit]
	}
	return strings.TrimSpace(string(r))
}
