package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/code-shreya/subscription-manager-sub002/internal/common"
	"github.com/code-shreya/subscription-manager-sub002/internal/service"
)

// cleanMarkdownWrapper removes code fences and any prose around the outermost
// JSON object in a model reply.
func cleanMarkdownWrapper(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		return content[start : end+1]
	}
	return content
}

// parseDetectionResult decodes a model reply into an AIDetectionResult.
func parseDetectionResult(content string) (service.AIDetectionResult, error) {
	var result service.AIDetectionResult
	if err := json.Unmarshal([]byte(cleanMarkdownWrapper(content)), &result); err != nil {
		return service.AIDetectionResult{}, fmt.Errorf("%w: failed to parse JSON response: %v", common.ErrClassificationFailed, err)
	}

	result.ServiceName = strings.TrimSpace(result.ServiceName)
	result.Currency = strings.ToUpper(strings.TrimSpace(result.Currency))
	result.BillingCycle = strings.ToLower(strings.TrimSpace(result.BillingCycle))

	if result.Confidence > 0 && result.Confidence <= 1 {
		// Some models answer on a 0-1 scale despite the prompt.
		result.Confidence *= 100
	}
	if result.Confidence < 0 || result.Confidence > 100 {
		return service.AIDetectionResult{}, fmt.Errorf("%w: confidence %v out of range", common.ErrClassificationFailed, result.Confidence)
	}
	if result.IsSubscription && result.ServiceName == "" {
		result.IsSubscription = false
	}
	return result, nil
}
