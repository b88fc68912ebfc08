package domain

// Wire types for the coordinator API.

// PairingStartRequest opens a QR pairing session for a browser.
type PairingStartRequest struct {
	Email    string `json:"email"`
	Platform string `json:"platform"`
}

type PairingStartResponse struct {
	SessionID   string `json:"session_id"`
	RegisterURL string `json:"register_url"`
}

type PairingStatusResponse struct {
	State string `json:"state"`
}

// RegisterMobileRequest is posted by the mobile device after scanning the
// pairing QR code.
type RegisterMobileRequest struct {
	SessionID    string       `json:"sessionId"`
	Subscription Subscription `json:"subscription"`
}

type RegisterMobileResponse struct {
	Status      string `json:"status"`
	ContinueURL string `json:"continueUrl,omitempty"`
	Email       string `json:"email,omitempty"`
}

// RequestAuthLoginRequest asks the coordinator to raise a login challenge
// on the paired device.
type RequestAuthLoginRequest struct {
	Email    string `json:"email"`
	Platform string `json:"platform"`
}

type RequestAuthLoginResponse struct {
	ChallengeID string `json:"challenge_id"`
}

// PasswordStatusResponse is returned by the polling endpoint.  Token is
// only present when Status is "authenticated".
type PasswordStatusResponse struct {
	Status string `json:"status"`
	Token  string `json:"token,omitempty"`
}

// RegTokenRequest asks for a plugin registration token.  The session
// token proves the browser recently completed an approved login.
type RegTokenRequest struct {
	Email        string `json:"email"`
	SessionToken string `json:"session_token"`
	TabID        string `json:"tabId,omitempty"`
	PluginID     string `json:"plugin_id"`
	PublicKeyB64 string `json:"public_key_b64"`
}

type RegTokenResponse struct {
	OK       bool   `json:"ok"`
	RegToken string `json:"reg_token,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ValidateTokenRequest is posted by the key-manager to redeem an unlock
// token on behalf of a plugin.
type ValidateTokenRequest struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

type ValidateTokenResponse struct {
	OK bool `json:"ok"`
}

// RegTokenKeyResponse carries the broker's raw P-256 verification key.
type RegTokenKeyResponse struct {
	PublicKeyB64 string `json:"public_key_b64"`
}

// BiometricCallbackRequest is posted by the biometric validator once it
// has resolved an identity proof for a confirmed challenge.
type BiometricCallbackRequest struct {
	Email         string `json:"email"`
	SessionToken  string `json:"session_token"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"user_id"`
	JWT           string `json:"jwt"`
}

// Wire types for the key-manager API.

type HandshakeResponse struct {
	ServerPublicKeyB64 string `json:"server_public_key_b64"`
}

// AuthPluginKeyRequest registers a plugin public key under a user, gated
// by a single-use registration token.
type AuthPluginKeyRequest struct {
	UserID       string `json:"user_id"`
	PluginID     string `json:"plugin_id"`
	PublicKeyB64 string `json:"public_key_b64"`
	RegToken     string `json:"reg_token"`
}

type SendKeysRequest struct {
	UserID           string            `json:"user_id"`
	PluginID         string            `json:"plugin_id"`
	EncryptedPayload string            `json:"encrypted_payload"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type SendKeysResponse struct {
	Status string `json:"status"`
	KeyID  string `json:"key_id"`
}

type GetKeysRequest struct {
	UserID     string `json:"user_id"`
	PluginID   string `json:"plugin_id"`
	ModuleType string `json:"module_type"`
	Purpose    string `json:"purpose"`
	Platform   string `json:"platform,omitempty"`
}

type GetKeysResponse struct {
	EncryptedPayload string `json:"encrypted_payload"`
}

// MaterialPayload is the plaintext the plugin seals into an envelope when
// storing key material.
type MaterialPayload struct {
	KeyB64     string `json:"key_b64"`
	Email      string `json:"email"`
	ModuleType string `json:"module_type"`
	Purpose    string `json:"purpose"`
	Platform   string `json:"platform,omitempty"`
	KeyAlgo    string `json:"key_algo,omitempty"`
}

// KeyPayload is the plaintext the key-manager seals into an envelope when
// returning stored material.
type KeyPayload struct {
	KeyID  string `json:"key_id"`
	KeyB64 string `json:"key_b64"`
}

// GetKeyMaterialRequest redeems an unlock token for the key material
// stored for the user on a platform.
type GetKeyMaterialRequest struct {
	AuthToken    string `json:"auth_token"`
	UserEmail    string `json:"user_email"`
	PlatformName string `json:"platform_name"`
}

type GetKeyMaterialResponse struct {
	KeyID  string `json:"key_id"`
	KeyB64 string `json:"key_b64"`
}

// ErrorResponse is the uniform JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
