// Package security holds the authentication knobs shared by all three
// gateways (spec.md §6). Only the WebSocket gateway can actually enforce
// RequireAuthenticatedUser at connect time, because it is the only
// transport with an HTTP upgrade step to refuse; TCP and KCP gateways log a
// warning instead of silently ignoring the option, per spec.md §9's design
// note on not inventing an unspecified token protocol for those transports.
package security

// Options configures how connections acquire a principal.
type Options struct {
	// EnableAuthentication, if true, attaches the principal extracted
	// during WS upgrade to the connection's context for handlers to read.
	// TCP and KCP never populate a principal this way — an application
	// that needs auth on those transports does it via an initial
	// application-level command, which is out of scope for this option.
	EnableAuthentication bool

	// RequireAuthenticatedUser refuses a WS upgrade with 401 when no
	// principal was extracted. For TCP/KCP it has no enforcement effect;
	// gateways log a warning on startup when it's set, instead of
	// pretending to refuse connections they have no way to refuse.
	RequireAuthenticatedUser bool
}

// PrincipalExtractor pulls an application-defined principal out of an
// inbound HTTP upgrade request. Returning ok == false means "not
// authenticated"; the gateway decides whether that's fatal based on
// RequireAuthenticatedUser.
type PrincipalExtractor func(headers map[string]string, query map[string]string) (principal any, ok bool)
