package oauth

import (
	"crypto/sha256"
	"encoding/base64"
)

// verifyPKCE checks a code_verifier (43-128 chars, RFC 7636) against
// the code_challenge stored at PAR time. Only S256 is supported — the
// "plain" method is not part of the ATProto profile.
func verifyPKCE(verifier, challenge, method string) error {
	if len(verifier) < 43 || len(verifier) > 128 {
		return errInvalidGrant("code_verifier must be 43-128 characters")
	}
	if method != "S256" {
		return errInvalidGrant("unsupported code_challenge_method")
	}
	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if computed != challenge {
		return errInvalidGrant("code_verifier does not match code_challenge")
	}
	return nil
}

// validCodeChallenge reports whether a code_challenge looks like the
// 43-character base64url string S256 produces.
func validCodeChallenge(challenge string) bool {
	if len(challenge) != 43 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(challenge)
	return err == nil
}
