package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// HeaderWWWAuthenticate is the response header carrying Bearer challenges.
const HeaderWWWAuthenticate = "WWW-Authenticate"

// Challenge describes a rejected request: the status to answer with and the
// WWW-Authenticate value to attach. Err is the underlying cause, for logging.
type Challenge struct {
	Status          int
	WWWAuthenticate string
	Err             error
}

// Write sends the challenge as an empty-bodied response.
func (c *Challenge) Write(w http.ResponseWriter) {
	if c.WWWAuthenticate != "" {
		w.Header().Add(HeaderWWWAuthenticate, c.WWWAuthenticate)
	}
	w.WriteHeader(c.Status)
}

// Guard applies an Authenticator to inbound HTTP requests and produces RFC
// 6750 challenges on failure.
type Guard struct {
	Authenticator    Authenticator
	Realm            string
	ResourceMetadata string
}

// Check extracts the bearer token from r and verifies it. Exactly one of the
// results is non-nil.
func (g *Guard) Check(ctx context.Context, r *http.Request) (UserInfo, *Challenge) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// No error code when the request carries no credentials at all.
		return nil, &Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: buildBearerChallenge(g.Realm, g.ResourceMetadata, nil),
			Err:             fmt.Errorf("%w: no authorization header", ErrUnauthorized),
		}
	}

	const bearerPrefix = "Bearer "
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return nil, g.invalidRequest("malformed bearer authorization header")
	}
	tok := strings.TrimSpace(header[len(bearerPrefix):])
	if tok == "" {
		return nil, g.invalidRequest("empty bearer token")
	}

	user, err := g.Authenticator.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return user, nil
	case errors.Is(err, ErrInsufficientScope):
		return nil, &Challenge{
			Status:          http.StatusForbidden,
			WWWAuthenticate: buildBearerChallenge(g.Realm, g.ResourceMetadata, [][2]string{{"error", "insufficient_scope"}, {"error_description", err.Error()}}),
			Err:             err,
		}
	case errors.Is(err, ErrUnauthorized):
		return nil, &Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: buildBearerChallenge(g.Realm, g.ResourceMetadata, [][2]string{{"error", "invalid_token"}, {"error_description", err.Error()}}),
			Err:             err,
		}
	default:
		return nil, &Challenge{Status: http.StatusInternalServerError, Err: err}
	}
}

func (g *Guard) invalidRequest(desc string) *Challenge {
	return &Challenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: buildBearerChallenge(g.Realm, g.ResourceMetadata, [][2]string{{"error", "invalid_request"}, {"error_description", desc}}),
		Err:             fmt.Errorf("%w: %s", ErrUnauthorized, desc),
	}
}

// buildBearerChallenge renders:
//
//	Bearer realm="<realm>", resource_metadata="<url>", error="...", error_description="..."
//
// Empty realm and resource metadata are omitted; params keep their order.
func buildBearerChallenge(realm string, resourceMetadata string, params [][2]string) string {
	pieces := make([]string, 0, 2+len(params))
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	for _, kv := range params {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, kv[0], esc(kv[1])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}
