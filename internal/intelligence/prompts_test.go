package intelligence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromptSetRendersDefaults(t *testing.T) {
	ps, err := NewPromptSet()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{PromptClassifyEmail, PromptExtractCallTasks}, ps.Names())

	p, err := ps.Render(PromptClassifyEmail, emailPromptData{
		FromName:    "Pat",
		FromAddress: "pat@acme.com",
		ClientName:  "Acme Holdings",
		Subject:     "Q3 estimates",
		Body:        "Can you send the vouchers?",
	})
	require.NoError(t, err)
	assert.Equal(t, PromptClassifyEmail, p.Operation)
	assert.Equal(t, 1200, p.MaxTokens)
	assert.Contains(t, p.System, "tax_document")
	assert.Contains(t, p.User, "Known client: Acme Holdings")
	assert.Contains(t, p.User, "Can you send the vouchers?")

	p, err = ps.Render(PromptExtractCallTasks, callPromptData{Direction: "inbound", Summary: "Wants a meeting"})
	require.NoError(t, err)
	assert.Contains(t, p.User, "Wants a meeting")
	assert.NotContains(t, p.User, "Transcript:")
}

func TestPromptSetOverrideAndRejection(t *testing.T) {
	ps, err := NewPromptSet()
	require.NoError(t, err)

	require.NoError(t, ps.Reload(map[string][]byte{
		"classify_email.yaml": []byte("system: short\nuser: \"Subject {{.Subject}}\"\n"),
	}))
	p, err := ps.Render(PromptClassifyEmail, emailPromptData{Subject: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "short", p.System)
	assert.Equal(t, "Subject hello", p.User)

	err = ps.Reload(map[string][]byte{
		"classify_email.yaml": []byte("system: x\nuser: \"{{.Subject\"\n"),
	})
	assert.Error(t, err)
	p, err = ps.Render(PromptClassifyEmail, emailPromptData{Subject: "kept"})
	require.NoError(t, err)
	assert.Equal(t, "Subject kept", p.User)

	assert.Error(t, ps.Reload(map[string][]byte{"empty.yaml": []byte("system: only\n")}))

	_, err = ps.Render("missing", nil)
	assert.Error(t, err)
}
