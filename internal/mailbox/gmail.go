package mailbox

import (
	"context"
	"fmt"

	"github.com/code-shreya/subscription-manager-sub002/internal/service"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// gmailUser is the special user ID meaning "the authenticated account".
const gmailUser = "me"

// MessageAPI is the subset of the Gmail messages API the adapter uses.
type MessageAPI interface {
	List(ctx context.Context, query string, maxResults int64, pageToken string) (*gmail.ListMessagesResponse, error)
	Get(ctx context.Context, messageID string) (*gmail.Message, error)
}

// APIFactory builds a MessageAPI for one set of user credentials.
type APIFactory func(ctx context.Context, creds service.Credentials) (MessageAPI, error)

// OAuth2Config holds the OAuth client used to refresh user tokens.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
}

// NewGmailFactory returns an APIFactory that talks to the Gmail API with a
// token source built from the caller's access/refresh pair.
func NewGmailFactory(cfg OAuth2Config) APIFactory {
	oauthConfig := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}

	return func(ctx context.Context, creds service.Credentials) (MessageAPI, error) {
		if creds.AccessToken == "" && creds.RefreshToken == "" {
			return nil, fmt.Errorf("gmail credentials missing access and refresh token")
		}
		token := &oauth2.Token{
			AccessToken:  creds.AccessToken,
			RefreshToken: creds.RefreshToken,
			Expiry:       creds.Expiry,
			TokenType:    "Bearer",
		}

		srv, err := gmail.NewService(ctx, option.WithTokenSource(oauthConfig.TokenSource(ctx, token)))
		if err != nil {
			return nil, fmt.Errorf("failed to create gmail service: %w", err)
		}
		return &gmailAPI{messages: srv.Users.Messages}, nil
	}
}

type gmailAPI struct {
	messages *gmail.UsersMessagesService
}

func (g *gmailAPI) List(ctx context.Context, query string, maxResults int64, pageToken string) (*gmail.ListMessagesResponse, error) {
	call := g.messages.List(gmailUser).Q(query).Context(ctx)
	if maxResults > 0 {
		call = call.MaxResults(maxResults)
	}
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	return call.Do()
}

func (g *gmailAPI) Get(ctx context.Context, messageID string) (*gmail.Message, error) {
	return g.messages.Get(gmailUser, messageID).Format("full").Context(ctx).Do()
}
