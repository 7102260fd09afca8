package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
)

type mockChatService struct {
	content string
	err     error
	params  openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = params
	if m.err != nil {
		return openai.ChatCompletion{}, m.err
	}
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: m.content}},
		},
	}, nil
}

func TestGenerateDispatchBody(t *testing.T) {
	mock := &mockChatService{content: "Your booking is confirmed for 3pm."}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	body, err := client.GenerateDispatchBody(context.Background(), "You write SMS confirmations.", "Booking at 3pm.")
	if err != nil {
		t.Fatalf("GenerateDispatchBody() error = %v", err)
	}
	if body != "Your booking is confirmed for 3pm." {
		t.Errorf("GenerateDispatchBody() = %q, want mock content", body)
	}
	if mock.params.Model != openai.ChatModelGPT4oMini {
		t.Errorf("model = %v, want %v", mock.params.Model, openai.ChatModelGPT4oMini)
	}
	if len(mock.params.Messages) != 2 {
		t.Errorf("messages = %d, want system + user", len(mock.params.Messages))
	}
}

func TestGenerateDispatchBodyTrimsWhitespace(t *testing.T) {
	mock := &mockChatService{content: "  trimmed body \n"}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	body, err := client.GenerateDispatchBody(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("GenerateDispatchBody() error = %v", err)
	}
	if body != "trimmed body" {
		t.Errorf("GenerateDispatchBody() = %q, want trimmed content", body)
	}
}

func TestGenerateDispatchBodyAPIError(t *testing.T) {
	mock := &mockChatService{err: errors.New("rate limited")}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	if _, err := client.GenerateDispatchBody(context.Background(), "sys", "user"); err == nil {
		t.Error("GenerateDispatchBody() error = nil, want API error")
	}
}

func TestGenerateDispatchBodyEmptyContent(t *testing.T) {
	mock := &mockChatService{content: "   "}
	client := &Client{chat: mock, model: openai.ChatModelGPT4oMini}

	if _, err := client.GenerateDispatchBody(context.Background(), "sys", "user"); err == nil {
		t.Error("GenerateDispatchBody() error = nil, want empty-content error")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	if _, err := NewClient(); err == nil {
		t.Error("NewClient() error = nil, want missing-key error")
	}
}
