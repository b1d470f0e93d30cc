package sso

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"
	"golang.org/x/oauth2"
)

const discoveryTimeout = 10 * time.Second

// Validator checks SSO connection material before it is persisted on a
// tenant. SPIssuer names this deployment in generated SAML requests.
type Validator struct {
	SPIssuer string
}

// NewValidator creates a connection validator with a default SP issuer.
func NewValidator() *Validator {
	return &Validator{SPIssuer: "https://tessera.local/sso/metadata"}
}

// ValidateConnection checks a connection end to end. Failures are reported
// in the result, never as an error.
func (v *Validator) ValidateConnection(ctx context.Context, conn *Connection) *ValidationResult {
	if conn == nil {
		return invalid("connection is required")
	}

	switch conn.Type {
	case ConnectionTypeSAML:
		if conn.SAML == nil {
			return invalid("saml section is required")
		}
		return v.validateSAML(conn.SAML)
	case ConnectionTypeOIDC:
		if conn.OIDC == nil {
			return invalid("oidc section is required")
		}
		return v.validateOIDC(ctx, conn.OIDC)
	default:
		return invalid(fmt.Sprintf("unknown connection type: %q", conn.Type))
	}
}

// validateSAML checks the SAML material: the metadata document (when
// given) must describe an IdP, the certificate must parse and be in its
// validity window, and the material must assemble into a service provider.
func (v *Validator) validateSAML(cfg *SAMLConfig) *ValidationResult {
	if cfg.EntityID == "" {
		return invalid("entity_id is required")
	}

	ssoURL := cfg.SSOURL
	certPEM := cfg.Certificate

	if cfg.MetadataXML != "" {
		meta, err := parseIDPMetadata([]byte(cfg.MetadataXML))
		if err != nil {
			return invalid(fmt.Sprintf("invalid metadata: %v", err))
		}
		if ssoURL == "" {
			ssoURL = meta.ssoURL
		}
		if certPEM == "" {
			certPEM = meta.certificatePEM
		}
	}

	if ssoURL == "" {
		return invalid("sso_url is required (directly or via metadata)")
	}
	if certPEM == "" {
		return invalid("certificate is required (directly or via metadata)")
	}

	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return invalid("invalid certificate PEM format")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return invalid(fmt.Sprintf("invalid certificate: %v", err))
	}
	now := time.Now()
	if now.After(cert.NotAfter) {
		return invalid(fmt.Sprintf("certificate expired %s", cert.NotAfter.Format(time.RFC3339)))
	}
	if now.Before(cert.NotBefore) {
		return invalid(fmt.Sprintf("certificate not valid until %s", cert.NotBefore.Format(time.RFC3339)))
	}

	certStore := dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	}

	sp := &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      ssoURL,
		IdentityProviderIssuer:      cfg.EntityID,
		ServiceProviderIssuer:       v.SPIssuer,
		AssertionConsumerServiceURL: v.SPIssuer + "/acs",
		AudienceURI:                 v.SPIssuer,
		IDPCertificateStore:         &certStore,
	}
	if cfg.NameIDFormat != "" {
		sp.NameIdFormat = cfg.NameIDFormat
	}

	// Building the redirect URL exercises the full request path without
	// contacting the IdP.
	if _, err := sp.BuildAuthURL(""); err != nil {
		return invalid(fmt.Sprintf("unusable connection material: %v", err))
	}

	return &ValidationResult{
		Valid:             true,
		CertificateExpiry: cert.NotAfter.UTC().Format(time.RFC3339),
	}
}

// validateOIDC checks the OIDC material and performs issuer discovery.
func (v *Validator) validateOIDC(ctx context.Context, cfg *OIDCConfig) *ValidationResult {
	if cfg.IssuerURL == "" {
		return invalid("issuer_url is required")
	}
	if cfg.ClientID == "" {
		return invalid("client_id is required")
	}
	if len(cfg.Scopes) == 0 {
		return invalid("scopes are required")
	}
	hasOpenID := false
	for _, scope := range cfg.Scopes {
		if scope == oidc.ScopeOpenID {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return invalid("'openid' scope is required for OIDC")
	}

	discoverCtx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	provider, err := oidc.NewProvider(discoverCtx, cfg.IssuerURL)
	if err != nil {
		return invalid(fmt.Sprintf("failed to discover OIDC provider: %v", err))
	}

	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     provider.Endpoint(),
		Scopes:       cfg.Scopes,
	}

	return &ValidationResult{
		Valid:    true,
		AuthURL:  oauth2Config.Endpoint.AuthURL,
		TokenURL: oauth2Config.Endpoint.TokenURL,
	}
}

// idpMetadata is the slice of a SAML EntityDescriptor this validator needs.
// Unqualified element names match any namespace prefix the IdP emits.
type idpMetadata struct {
	XMLName          xml.Name `xml:"EntityDescriptor"`
	EntityID         string   `xml:"entityID,attr"`
	IDPSSODescriptor *struct {
		SingleSignOnServices []struct {
			Binding  string `xml:"Binding,attr"`
			Location string `xml:"Location,attr"`
		} `xml:"SingleSignOnService"`
		KeyDescriptors []struct {
			Use          string   `xml:"use,attr"`
			Certificates []string `xml:"KeyInfo>X509Data>X509Certificate"`
		} `xml:"KeyDescriptor"`
	} `xml:"IDPSSODescriptor"`
}

type parsedMetadata struct {
	ssoURL         string
	certificatePEM string
}

func parseIDPMetadata(data []byte) (*parsedMetadata, error) {
	var meta idpMetadata
	if err := xml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata XML: %w", err)
	}
	if meta.IDPSSODescriptor == nil {
		return nil, fmt.Errorf("metadata has no IDPSSODescriptor")
	}

	parsed := &parsedMetadata{}
	for _, svc := range meta.IDPSSODescriptor.SingleSignOnServices {
		parsed.ssoURL = svc.Location
		if strings.HasSuffix(svc.Binding, "HTTP-Redirect") {
			break
		}
	}

	for _, kd := range meta.IDPSSODescriptor.KeyDescriptors {
		if kd.Use != "" && kd.Use != "signing" {
			continue
		}
		for _, raw := range kd.Certificates {
			der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(raw), ""))
			if err != nil {
				return nil, fmt.Errorf("failed to decode metadata certificate: %w", err)
			}
			parsed.certificatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
			break
		}
		if parsed.certificatePEM != "" {
			break
		}
	}

	return parsed, nil
}
