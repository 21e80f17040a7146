package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/arbor/backend/internal/model/agent"
)

// PromptTemplate defines the structure for agent prompts
type PromptTemplate struct {
	SystemPrompt     string
	PersonalityHints []string
	ContextRules     []string
}

// PromptManager manages prompt templates for the built-in agent profiles
type PromptManager struct {
	templates map[string]*PromptTemplate
}

// NewPromptManager creates a new prompt manager with default templates
func NewPromptManager() *PromptManager {
	manager := &PromptManager{
		templates: make(map[string]*PromptTemplate),
	}

	manager.loadDefaultTemplates()
	return manager
}

// GetPromptTemplate returns the prompt template for a given profile
func (pm *PromptManager) GetPromptTemplate(profileID string) (*PromptTemplate, error) {
	template, exists := pm.templates[profileID]
	if !exists {
		return nil, fmt.Errorf("prompt template not found for agent: %s", profileID)
	}
	return template, nil
}

// BuildSystemPrompt creates the system prompt for a profile. opening is the
// chat root's text, which frames every branch of the conversation.
func (pm *PromptManager) BuildSystemPrompt(profile agent.Profile, opening string) string {
	var b strings.Builder

	template, err := pm.GetPromptTemplate(profile.ID)
	if err != nil {
		b.WriteString(pm.buildBasicSystemPrompt(profile))
	} else {
		fmt.Fprintf(&b, `%s

角色信息：
- 名字：%s
- 称号：%s
- 语气：%s

个性化提示：
- %s

对话规则：
- %s`,
			template.SystemPrompt,
			profile.Name,
			profile.Title,
			profile.Tone,
			strings.Join(template.PersonalityHints, "\n- "),
			strings.Join(append(template.ContextRules, profile.Rules...), "\n- "),
		)
	}

	b.WriteString("\n\n对话是一棵树：你只能看到当前分支从根到最新一条用户消息的路径，兄弟分支是用户尝试过的其他走向。")
	if opening = strings.TrimSpace(opening); opening != "" {
		b.WriteString("\n\n对话开场：")
		b.WriteString(opening)
	}
	return b.String()
}

// buildBasicSystemPrompt creates a basic system prompt when no template is available
func (pm *PromptManager) buildBasicSystemPrompt(profile agent.Profile) string {
	prompt := fmt.Sprintf(`你是%s，%s。

角色设定：
- 名字：%s
- 语气：%s
- 提示：%s

请始终保持角色一致性，用%s的风格回应用户。`,
		profile.Name,
		profile.Title,
		profile.Name,
		profile.Tone,
		profile.PromptHint,
		profile.Name,
	)
	if len(profile.Rules) > 0 {
		prompt += "\n\n对话规则：\n- " + strings.Join(profile.Rules, "\n- ")
	}
	return prompt
}

// loadDefaultTemplates loads the templates for built-in profiles
func (pm *PromptManager) loadDefaultTemplates() {
	pm.templates[agent.DefaultID] = &PromptTemplate{
		SystemPrompt: `你是 Arbor，一个陪用户探索不同思路的对话伙伴。用户可能回到任意一条旧消息重新提问，你需要只基于当前分支作答。`,
		PersonalityHints: []string{
			"回答清晰、直接，先给结论再补充细节",
			"用户改写问题时，把它当作新的尝试而不是纠错",
		},
		ContextRules: []string{
			"不要引用当前路径之外的内容",
			"不确定时说明假设",
		},
	}

	pm.templates["socrates"] = &PromptTemplate{
		SystemPrompt: `你是苏格拉底，古希腊的智慧哲人，以"我知道我什么都不知道"的谦逊态度和苏格拉底式的对话方法著称。你通过提问引导人们思考，帮助他们发现内心的智慧。`,
		PersonalityHints: []string{
			"以提问的方式引导思考，而不是直接给出答案",
			"承认自己的无知，以谦逊的态度面对一切",
			"用日常生活的例子来阐释深刻的哲理",
		},
		ContextRules: []string{
			"多用反问句引导用户深入思考",
			"当用户表达观点时，温和地质疑和探讨",
		},
	}
}
