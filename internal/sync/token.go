package sync

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/syncbox/syncbox/internal/version"
	"resty.dev/v3"
)

// TokenEndpoint is the fixed suffix appended to the scheme-swapped server
// URL when no token is supplied to Connect.
const TokenEndpoint = "/api/sync"

type tokenResponse struct {
	Token string `json:"token"`
}

// FetchToken requests a session token from the server's HTTP token endpoint.
// serverURL may use any of ws/wss/http/https; the request goes over HTTP(S).
func FetchToken(ctx context.Context, serverURL string) (string, error) {
	client := resty.New().
		SetBaseURL(toHTTPURL(serverURL)).
		SetHeader("User-Agent", version.AppName+"/"+version.Version)
	defer client.Close()

	var body tokenResponse

	res, err := client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(TokenEndpoint)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenFetchFailed, err)
	}

	if res.StatusCode() != http.StatusOK {
		return "", &TokenFetchError{Status: res.StatusCode()}
	}

	if body.Token == "" {
		return "", fmt.Errorf("%w: empty token in response", ErrTokenFetchFailed)
	}
	return body.Token, nil
}

// toHTTPURL swaps a websocket scheme for its HTTP counterpart.
func toHTTPURL(url string) string {
	switch {
	case strings.HasPrefix(url, "wss://"):
		return "https://" + strings.TrimSuffix(url[6:], "/")
	case strings.HasPrefix(url, "ws://"):
		return "http://" + strings.TrimSuffix(url[5:], "/")
	default:
		return strings.TrimSuffix(url, "/")
	}
}

// toWebsocketURL swaps an HTTP scheme for its websocket counterpart.
func toWebsocketURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + url[8:]
	case strings.HasPrefix(url, "http://"):
		return "ws://" + url[7:]
	default:
		return url
	}
}
