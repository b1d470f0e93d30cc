package sso

// ConnectionType identifies the SSO protocol a tenant connection uses.
type ConnectionType string

const (
	ConnectionTypeSAML ConnectionType = "saml"
	ConnectionTypeOIDC ConnectionType = "oidc"
)

// Connection is a tenant's SSO connection as stored in its security
// settings. Exactly one of SAML or OIDC is set, matching Type.
type Connection struct {
	Type    ConnectionType `json:"type"`
	Enabled bool           `json:"enabled"`
	SAML    *SAMLConfig    `json:"saml,omitempty"`
	OIDC    *OIDCConfig    `json:"oidc,omitempty"`
}

// SAMLConfig holds SAML 2.0 connection material. Either the explicit
// fields or a metadata document can supply the SSO URL and certificate.
type SAMLConfig struct {
	EntityID     string `json:"entity_id"`
	SSOURL       string `json:"sso_url,omitempty"`
	Certificate  string `json:"certificate,omitempty"` // PEM encoded certificate
	MetadataXML  string `json:"metadata_xml,omitempty"`
	NameIDFormat string `json:"name_id_format,omitempty"`
}

// OIDCConfig holds OpenID Connect connection material.
type OIDCConfig struct {
	IssuerURL    string   `json:"issuer_url"` // Discovery endpoint
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"-"` // Never expose secret in JSON
	Scopes       []string `json:"scopes"`
}

// ValidationResult is the structured outcome of a connection check.
// Validation failures are values, not errors.
type ValidationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`

	// Discovered OIDC endpoints, populated on a valid OIDC connection so
	// the settings panel can display them.
	AuthURL  string `json:"auth_url,omitempty"`
	TokenURL string `json:"token_url,omitempty"`

	// CertificateExpiry is the IdP signing certificate's NotAfter,
	// populated on a valid SAML connection.
	CertificateExpiry string `json:"certificate_expiry,omitempty"`
}

func invalid(reason string) *ValidationResult {
	return &ValidationResult{Valid: false, Reason: reason}
}
