// Package sso validates per-tenant single sign-on connection settings.
//
// # Overview
//
// Tenants configure a SAML 2.0 or OpenID Connect connection under their
// security settings. This package checks that connection material is usable
// before it is persisted: certificates parse and have not expired, metadata
// documents describe an IdP, OIDC issuers answer discovery. Authentication
// itself is handled by the external identity provider; nothing here touches
// a login flow.
//
// # Usage Example
//
// Validate a connection before saving tenant settings:
//
//	conn := &sso.Connection{
//		Type: sso.ConnectionTypeSAML,
//		SAML: &sso.SAMLConfig{
//			EntityID:    "https://idp.example.com",
//			SSOURL:      "https://idp.example.com/sso/saml",
//			Certificate: pemCert,
//		},
//	}
//	result := sso.NewValidator().ValidateConnection(ctx, conn)
//	if !result.Valid {
//		// reject with result.Reason
//	}
//
// # Related Packages
//
//   - pkg/tenants: stores the validated connection in tenant settings
package sso
