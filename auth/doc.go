// Package auth obtains client credentials and access tokens from the
// authorization server the Lock Master delegates to.
//
// The flow has two steps. A Registrar exchanges a pre-issued software
// statement for a client registration (RFC 7591 dynamic client
// registration), then a TokenAcquirer exchanges that registration for an
// access token:
//
//	ssa, err := auth.ParseSoftwareStatement(raw)
//	if err != nil { return err }
//	reg, err := auth.NewRegistrar("cedarling").Register(ctx, meta.RegistrationEndpoint, ssa)
//	if err != nil { return err }
//	grant, err := auth.NewTokenAcquirer().Acquire(ctx, meta.TokenEndpoint, reg.Auth(logger))
//
// # Software statements
//
// The software statement is parsed without signature or expiry validation;
// the authorization server validates it. Only the iss claim is required
// locally, because it becomes the registration's redirect URI.
//
// # Client authentication
//
// ClientAuth is a closed set of two variants. BasicWithSecret is used when
// the authority returned a client secret. IDOnly sends the client id alone
// and is logged as a warning, since most authorities reject it.
//
// # Errors
//
// ErrMalformedCredential, ErrUnsupportedAuthority, ErrTransport and
// ErrDecode from package lockerr classify every failure.
package auth
