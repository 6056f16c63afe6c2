package gabridge

import (
	"context"

	"github.com/handbuilt/gabridge/callback"
	"github.com/handbuilt/gabridge/logging"
)

// Status describes the connection for a host settings page.
type Status struct {
	Connected     bool   `json:"connected"`
	ConfigMissing bool   `json:"configMissing"`
	AuthURL       string `json:"authUrl,omitempty"`
	DisconnectURL string `json:"disconnectUrl,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Status reports whether a credential is stored and which links the settings
// page should show. success is the indicator appended to the settings URL
// after a callback redirect.
func (b *Bridge) Status(ctx context.Context, success string) Status {
	settings := b.manager.Settings()
	st := Status{
		ConfigMissing: value(ctx, settings.ClientID) == "" || value(ctx, settings.ClientSecret) == "",
		Message:       SuccessMessage(success),
	}

	connected, err := b.manager.Connected(ctx)
	if err != nil {
		logging.Warnw(ctx, "status: reading credential", "error", err)
	}
	st.Connected = connected

	if st.Connected {
		st.DisconnectURL = b.manager.DisconnectURL(ctx)
	} else if !st.ConfigMissing {
		st.AuthURL = b.manager.AuthorizationURL(ctx)
	}
	return st
}

// SuccessMessage returns the notice shown after a callback redirect.
func SuccessMessage(success string) string {
	switch success {
	case callback.SuccessConnect:
		return "Successfully connected to Google."
	case callback.SuccessDisconnect:
		return "Disconnected from Google."
	}
	return ""
}

func value(ctx context.Context, fn func(context.Context) string) string {
	if fn == nil {
		return ""
	}
	return fn(ctx)
}
