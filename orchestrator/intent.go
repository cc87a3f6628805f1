package orchestrator

import (
	"sort"
	"strings"

	"github.com/BaSui01/opsflow/types"
)

// CategoryGeneral 未命中任何关键词时的回退类别
const CategoryGeneral = "general"

// categoryPriority 平分时的固定优先级，保证分类结果可复现
var categoryPriority = []string{
	"incident",
	"security",
	"health",
	"slo",
	"performance",
	"cost",
	"remediation",
	"configuration",
}

// categoryKeywords 各类别的关键词表
// 简化版本：基于关键字的匹配，不依赖模型调用，结果完全确定
var categoryKeywords = map[string][]string{
	"health": {
		"health", "healthy", "unhealthy", "status", "alive", "liveness",
		"readiness", "heartbeat", "availability", "uptime", "check", "running",
	},
	"cost": {
		"cost", "costs", "spend", "spending", "bill", "billing", "budget",
		"price", "pricing", "expense", "expensive", "usage", "savings",
	},
	"performance": {
		"performance", "latency", "slow", "slowness", "cpu", "memory",
		"throughput", "load", "bottleneck", "degraded", "response", "speed",
		"utilization",
	},
	"incident": {
		"incident", "incidents", "outage", "alert", "alerts", "failure",
		"failing", "crash", "crashed", "error", "errors", "broken",
		"emergency", "sev1", "sev2",
	},
	"slo": {
		"slo", "slos", "sla", "objective", "objectives", "burn",
		"target", "percentile", "compliance",
	},
	"security": {
		"security", "vulnerability", "vulnerabilities", "cve", "breach",
		"threat", "exposure", "firewall", "encryption", "audit",
		"unauthorized",
	},
	"remediation": {
		"remediate", "remediation", "fix", "repair", "restart", "reboot",
		"rollback", "heal", "recover", "recovery", "mitigate", "scale",
	},
	"configuration": {
		"config", "configuration", "configure", "setting", "settings",
		"parameter", "parameters", "drift", "provision", "deploy",
		"deployment", "environment",
	},
}

// Candidate 候选工具及其匹配得分
type Candidate struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Intent 意图分析结果
type Intent struct {
	Category   string      `json:"category"`
	Confidence float64     `json:"confidence"`
	Keywords   []string    `json:"keywords,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Classifier 基于关键词的确定性意图分类器
type Classifier struct {
	keywords map[string]map[string]bool
	priority []string
}

// NewClassifier builds the classifier from the fixed keyword tables.
func NewClassifier() *Classifier {
	keywords := make(map[string]map[string]bool, len(categoryKeywords))
	for category, words := range categoryKeywords {
		set := make(map[string]bool, len(words))
		for _, w := range words {
			set[w] = true
		}
		keywords[category] = set
	}
	return &Classifier{
		keywords: keywords,
		priority: categoryPriority,
	}
}

// Categories returns the fixed category set in priority order.
func (c *Classifier) Categories() []string {
	out := make([]string, len(c.priority))
	copy(out, c.priority)
	return out
}

// Classify maps a free-text query onto one category. Ties resolve by the
// fixed priority order; a query matching nothing falls back to
// CategoryGeneral with zero confidence.
func (c *Classifier) Classify(query string) Intent {
	tokens := extractKeywords(strings.ToLower(query))

	intent := Intent{
		Category: CategoryGeneral,
		Keywords: tokens,
	}
	if len(tokens) == 0 {
		return intent
	}

	best := 0
	for _, category := range c.priority {
		set := c.keywords[category]
		matches := 0
		for _, token := range tokens {
			if set[token] {
				matches++
			}
		}
		// 严格大于：先出现的类别在平分时胜出
		if matches > best {
			best = matches
			intent.Category = category
		}
	}

	if best > 0 {
		intent.Confidence = float64(best) / float64(len(tokens))
		if intent.Confidence > 1 {
			intent.Confidence = 1
		}
	}
	return intent
}

// RankTools orders tools by keyword similarity against the query tokens.
// Ordering is deterministic: score descending, then name ascending. limit
// <= 0 means no cap.
func (c *Classifier) RankTools(tokens []string, tools []types.ToolDescriptor, limit int) []Candidate {
	candidates := make([]Candidate, 0, len(tools))
	for _, tool := range tools {
		candidates = append(candidates, Candidate{
			Name:  tool.Name,
			Score: toolSimilarity(tokens, tool),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Name < candidates[j].Name
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// toolSimilarity 计算查询关键词与工具名称、描述的匹配度
func toolSimilarity(tokens []string, tool types.ToolDescriptor) float64 {
	if len(tokens) == 0 {
		return 0.5
	}

	name := strings.ToLower(tool.Name)
	desc := strings.ToLower(tool.Description)

	matches := 0
	nameHit := false
	for _, token := range tokens {
		inName := strings.Contains(name, token)
		if inName || strings.Contains(desc, token) {
			matches++
		}
		if inName {
			nameHit = true
		}
	}

	similarity := float64(matches) / float64(len(tokens))

	// 名称直接命中的奖励
	if nameHit {
		similarity += 0.2
	}
	if similarity > 1 {
		similarity = 1
	}
	return similarity
}

// extractKeywords 提取查询关键词，过滤停用词和标点
func extractKeywords(text string) []string {
	stopWords := map[string]bool{
		"the": true, "a": true, "an": true, "and": true, "or": true,
		"but": true, "in": true, "on": true, "at": true, "to": true,
		"for": true, "of": true, "with": true, "by": true, "from": true,
		"our": true, "all": true, "any": true, "are": true, "was": true,
		"what": true, "which": true, "how": true, "show": true, "get": true,
		"是": true, "的": true, "了": true, "在": true, "和": true,
		"与": true, "或": true, "但": true, "对": true, "从": true,
	}

	punctuation := `,.!?;:"'()[]{}，。！？；：（）【】`

	words := strings.Fields(text)
	keywords := make([]string, 0, len(words))
	for _, word := range words {
		word = strings.Trim(word, punctuation)
		if len(word) > 2 && !stopWords[word] {
			keywords = append(keywords, word)
		}
	}
	return keywords
}
