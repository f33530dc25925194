package auth

import (
	"fmt"
	"net/url"
	"strings"
)

// WellKnownProtectedResource is the RFC 9728 metadata path prefix.
const WellKnownProtectedResource = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the RFC 9728 document advertised to clients so
// they can discover which authorization server issues tokens for this gateway.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// Metadata builds the protected resource document for this verifier. The
// configured audience is the resource identifier.
func (v *Verifier) Metadata(resourceName string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               v.cfg.Audience,
		AuthorizationServers:   []string{v.cfg.Issuer},
		JwksURI:                v.jwksURL,
		ScopesSupported:        append([]string(nil), v.scopes...),
		BearerMethodsSupported: []string{"header"},
		ResourceName:           resourceName,
	}
}

// MetadataURL derives the absolute metadata location for an absolute resource
// URL by inserting the well-known prefix ahead of the resource path.
func MetadataURL(resource string) (string, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("invalid resource url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("resource must be an absolute url: %q", resource)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: MetadataPath(u.Path)}).String(), nil
}

// MetadataPath returns the well-known path that serves metadata for a
// resource mounted at resourcePath.
func MetadataPath(resourcePath string) string {
	resourcePath = strings.TrimSuffix(resourcePath, "/")
	return WellKnownProtectedResource + resourcePath
}
