package oauth

import (
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

const (
	ProviderMicrosoft = "microsoft"
	ProviderGoogle    = "google"
	ProviderGoTo      = "goto"
)

// GoToEndpoint is the GoTo (LogMeIn) authorization server.
var GoToEndpoint = oauth2.Endpoint{
	AuthURL:   "https://authentication.logmeininc.com/oauth/authorize",
	TokenURL:  "https://authentication.logmeininc.com/oauth/token",
	AuthStyle: oauth2.AuthStyleInHeader,
}

// Provider is one OAuth client registration.
type Provider struct {
	Name   string
	Config oauth2.Config
	// AuthOptions are appended to the authorization URL.
	AuthOptions []oauth2.AuthCodeOption
}

// RedirectURL builds the callback URL registered with each provider.
func RedirectURL(baseURL, provider string) string {
	return strings.TrimRight(baseURL, "/") + "/api/oauth/" + provider + "/callback"
}

func MicrosoftProvider(clientID, clientSecret, tenant, redirectURL string, scopes []string) Provider {
	if tenant == "" {
		tenant = "common"
	}
	return Provider{
		Name: ProviderMicrosoft,
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.AzureAD(tenant),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		AuthOptions: []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("prompt", "select_account")},
	}
}

func GoogleProvider(clientID, clientSecret, redirectURL string, scopes []string) Provider {
	return Provider{
		Name: ProviderGoogle,
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoints.Google,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		// Google only returns a refresh token on forced consent.
		AuthOptions: []oauth2.AuthCodeOption{oauth2.AccessTypeOffline, oauth2.ApprovalForce},
	}
}

func GoToProvider(clientID, clientSecret, redirectURL string, scopes []string) Provider {
	return Provider{
		Name: ProviderGoTo,
		Config: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     GoToEndpoint,
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
	}
}
