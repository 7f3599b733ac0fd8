// usage.go — token 用量提取与累计。
package convstate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/knowledge-agent/go-convsync/pkg/logger"
)

// applyUsageLocked 从助手消息 meta 中提取 token 计数并更新会话累计
// 用量, 返回是否变化。调用方必须持有 m.mu 写锁。
//
// 计数键兼容平铺与嵌套两种布局 (snake_case / camelCase 均可):
//   - input_tokens / prompt_tokens, 或 usage.* / token_usage.* 之下
//   - output_tokens / completion_tokens
//   - total_tokens; 缺省时回退 input+output 求和
func applyUsageLocked(st *ConversationState, meta map[string]any, tsMillis int64) bool {
	input, hasInput := extractUsageInt(meta,
		[]string{"input_tokens"},
		[]string{"inputTokens"},
		[]string{"prompt_tokens"},
		[]string{"usage", "input_tokens"},
		[]string{"usage", "inputTokens"},
		[]string{"usage", "prompt_tokens"},
		[]string{"token_usage", "input_tokens"},
		[]string{"token_usage", "inputTokens"},
	)
	output, hasOutput := extractUsageInt(meta,
		[]string{"output_tokens"},
		[]string{"outputTokens"},
		[]string{"completion_tokens"},
		[]string{"usage", "output_tokens"},
		[]string{"usage", "outputTokens"},
		[]string{"usage", "completion_tokens"},
		[]string{"token_usage", "output_tokens"},
		[]string{"token_usage", "outputTokens"},
	)
	total, hasTotal := extractUsageInt(meta,
		[]string{"total_tokens"},
		[]string{"totalTokens"},
		[]string{"usage", "total_tokens"},
		[]string{"usage", "totalTokens"},
		[]string{"token_usage", "total_tokens"},
		[]string{"token_usage", "totalTokens"},
	)
	if !hasInput && !hasOutput && !hasTotal {
		return false
	}

	prev := st.Usage
	next := prev
	if hasInput {
		next.InputTokens = max(0, input)
	}
	if hasOutput {
		next.OutputTokens = max(0, output)
	}
	if hasTotal {
		next.TotalTokens = max(0, total)
	} else {
		next.TotalTokens = next.InputTokens + next.OutputTokens
	}
	if next.InputTokens == prev.InputTokens &&
		next.OutputTokens == prev.OutputTokens &&
		next.TotalTokens == prev.TotalTokens {
		return false
	}

	ts := time.UnixMilli(tsMillis)
	if tsMillis <= 0 {
		ts = time.Now()
	}
	next.UpdatedAt = ts.UTC().Format(time.RFC3339)
	st.Usage = next

	logger.Debug("convstate: usage update",
		logger.FieldConversationID, st.ID,
		"prev_total", prev.TotalTokens,
		"next_total", next.TotalTokens,
	)
	return true
}

// extractUsageInt 按优先级尝试多条键路径, 返回第一个可解析的整数。
func extractUsageInt(meta map[string]any, paths ...[]string) (int, bool) {
	for _, path := range paths {
		value, ok := lookupPath(meta, path...)
		if !ok {
			continue
		}
		if n, ok := extractUsageValue(value); ok {
			return n, true
		}
	}
	return 0, false
}

func extractUsageValue(value any) (int, bool) {
	if n, ok := extractIntAny(value); ok {
		return int(n), true
	}
	text, ok := value.(string)
	if !ok {
		return 0, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, false
	}
	if n, err := json.Number(text).Int64(); err == nil {
		return int(n), true
	}
	return 0, false
}

func lookupPath(payload map[string]any, path ...string) (any, bool) {
	if payload == nil || len(path) == 0 {
		return nil, false
	}
	current := any(payload)
	for _, key := range path {
		nextMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := nextMap[key]
		if !ok {
			return nil, false
		}
		current = next
	}
	return current, true
}
