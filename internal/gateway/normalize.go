package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/lmgate/lmstudio-gateway/internal/monitoring"
)

// CompletionIDPrefix prefixes generated completion ids.
const CompletionIDPrefix = "chatcmpl-"

// ErrMalformedBody is returned when a 2xx upstream body is not a JSON object.
var ErrMalformedBody = errors.New("upstream returned a body that is not a JSON object")

// newCompletionID returns "chatcmpl-" followed by 24 hex characters.
func newCompletionID() string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return CompletionIDPrefix + hex[:24]
}

// normalizeCompletion fills "id" and "model" on a buffered completion when
// they are absent. Present keys are left untouched, null included, and all
// other bytes pass through as the upstream sent them.
func normalizeCompletion(body []byte, model string) ([]byte, error) {
	doc := bytes.TrimSpace(body)
	if !isJSONObject(doc) {
		return nil, ErrMalformedBody
	}

	parsed := gjson.ParseBytes(doc)
	out := doc
	var err error

	if !parsed.Get("id").Exists() {
		if out, err = sjson.SetBytes(out, "id", newCompletionID()); err != nil {
			return nil, fmt.Errorf("set id: %w", err)
		}
	}
	if !parsed.Get("model").Exists() {
		if out, err = sjson.SetBytes(out, "model", model); err != nil {
			return nil, fmt.Errorf("set model: %w", err)
		}
	}

	return out, nil
}

// isJSONObject reports whether body is a single valid JSON object.
func isJSONObject(body []byte) bool {
	return gjson.ValidBytes(body) && gjson.ParseBytes(body).IsObject()
}

// isModelList reports whether an upstream /models document has the expected
// shape: a JSON object with a "data" key.
func isModelList(body []byte) bool {
	doc := bytes.TrimSpace(body)
	return isJSONObject(doc) && gjson.GetBytes(doc, "data").Exists()
}

// ModelList is the OpenAI model list document.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelCard `json:"data"`
}

// ModelCard is a single model entry.
type ModelCard struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
}

// fallbackModelList is served when the upstream model list is unusable.
func fallbackModelList(model string, now time.Time) ModelList {
	return ModelList{
		Object: "list",
		Data: []ModelCard{{
			ID:      model,
			Object:  "model",
			Created: now.Unix(),
		}},
	}
}

// extractUsage reads the OpenAI usage block from a buffered response.
func extractUsage(body []byte) monitoring.UsageInfo {
	u := gjson.GetBytes(body, "usage")
	if !u.IsObject() {
		return monitoring.UsageInfo{}
	}
	return usageFromResult(u)
}

func usageFromResult(u gjson.Result) monitoring.UsageInfo {
	usage := monitoring.UsageInfo{
		PromptTokens:     int(u.Get("prompt_tokens").Int()),
		CompletionTokens: int(u.Get("completion_tokens").Int()),
		TotalTokens:      int(u.Get("total_tokens").Int()),
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return usage
}
