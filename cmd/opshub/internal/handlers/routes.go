package handlers

import "net/http"

// Handlers groups the resource handlers mounted under /api.
type Handlers struct {
	Me           *MeHandler
	Tasks        *TaskHandler
	Clients      *ClientHandler
	Emails       *EmailHandler
	Calls        *CallHandler
	Chat         *ChatHandler
	SMS          *SMSHandler
	Files        *FileHandler
	Settings     *SettingsHandler
	Integrations *IntegrationHandler
}

// Register mounts the authenticated API routes on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/me", h.Me.GetMe)
	mux.HandleFunc("GET /api/me/api-keys", h.Me.ListAPIKeys)
	mux.HandleFunc("POST /api/me/api-keys", h.Me.CreateAPIKey)
	mux.HandleFunc("DELETE /api/me/api-keys/{id}", h.Me.RevokeAPIKey)

	mux.HandleFunc("GET /api/tasks", h.Tasks.ListTasks)
	mux.HandleFunc("POST /api/tasks", h.Tasks.CreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", h.Tasks.GetTask)
	mux.HandleFunc("PATCH /api/tasks/{id}", h.Tasks.UpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.Tasks.DeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/calendar", h.Tasks.AddToCalendar)

	mux.HandleFunc("GET /api/clients", h.Clients.ListClients)
	mux.HandleFunc("POST /api/clients", h.Clients.CreateClient)
	mux.HandleFunc("GET /api/clients/{id}", h.Clients.GetClient)
	mux.HandleFunc("PATCH /api/clients/{id}", h.Clients.UpdateClient)
	mux.HandleFunc("DELETE /api/clients/{id}", h.Clients.DeleteClient)
	mux.HandleFunc("GET /api/clients/{id}/activity", h.Clients.ClientActivity)

	mux.HandleFunc("GET /api/emails/classifications", h.Emails.ListClassifications)
	mux.HandleFunc("GET /api/emails/classifications/{id}", h.Emails.GetClassification)
	mux.HandleFunc("POST /api/emails/classifications/{id}/approve", h.Emails.Approve)
	mux.HandleFunc("POST /api/emails/classifications/{id}/dismiss", h.Emails.Dismiss)
	mux.HandleFunc("POST /api/emails/sync", h.Emails.Sync)
	mux.HandleFunc("POST /api/emails/send", h.Emails.Send)

	mux.HandleFunc("GET /api/calls", h.Calls.ListCalls)
	mux.HandleFunc("GET /api/calls/{id}", h.Calls.GetCall)
	mux.HandleFunc("PATCH /api/calls/{id}", h.Calls.UpdateCall)
	mux.HandleFunc("POST /api/calls/{id}/tasks", h.Calls.ExtractTasks)

	mux.HandleFunc("GET /api/chat/channels", h.Chat.ListChannels)
	mux.HandleFunc("POST /api/chat/channels", h.Chat.CreateChannel)
	mux.HandleFunc("GET /api/chat/channels/{id}/messages", h.Chat.ListMessages)
	mux.HandleFunc("POST /api/chat/channels/{id}/messages", h.Chat.PostMessage)
	mux.HandleFunc("DELETE /api/chat/channels/{id}/messages/{messageID}", h.Chat.DeleteMessage)
	mux.HandleFunc("GET /api/chat/channels/{id}/ws", h.Chat.Stream)

	mux.HandleFunc("GET /api/sms", h.SMS.ListSMS)
	mux.HandleFunc("POST /api/sms", h.SMS.SendSMS)

	mux.HandleFunc("GET /api/files", h.Files.ListFiles)
	mux.HandleFunc("POST /api/files", h.Files.UploadFile)
	mux.HandleFunc("GET /api/files/{id}/download", h.Files.DownloadFile)
	mux.HandleFunc("DELETE /api/files/{id}", h.Files.DeleteFile)

	mux.HandleFunc("GET /api/settings", h.Settings.GetSettings)
	mux.HandleFunc("PUT /api/settings/{key}", h.Settings.PutSetting)

	mux.HandleFunc("GET /api/integrations", h.Integrations.ListIntegrations)
	mux.HandleFunc("DELETE /api/integrations/{provider}", h.Integrations.Disconnect)
	mux.HandleFunc("GET /api/oauth/{provider}/start", h.Integrations.StartOAuth)
}

// RegisterPublic mounts routes that run without authentication.
func (h *Handlers) RegisterPublic(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/oauth/{provider}/callback", h.Integrations.OAuthCallback)
}
