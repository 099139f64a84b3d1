// Package identity provides PLC directory registration and relay
// announcement for AT Protocol federation.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/leafhq/leaf-pds/internal/account"
)

// RegisterDID submits a signed genesis operation to the PLC directory
// to register a DID. Returns any signing or directory error; the
// account-creation caller logs it and carries on.
func RegisterDID(ctx context.Context, plcEndpoint, did string, op *account.PLCOperation, signingKeyMultibase string) error {
	sig, err := account.SignPLCOperation(op, signingKeyMultibase)
	if err != nil {
		return fmt.Errorf("identity: sign plc op: %w", err)
	}

	// Build the signed operation payload.
	payload := map[string]any{
		"type":                op.Type,
		"rotationKeys":       op.RotationKeys,
		"verificationMethods": op.VerificationMethod,
		"alsoKnownAs":        op.AlsoKnownAs,
		"services":           op.Services,
		"sig":                sig,
		"prev":               nil,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("identity: marshal plc op: %w", err)
	}

	url := plcEndpoint + "/" + did
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("identity: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("identity: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Printf("PLC registered: %s at %s", did, plcEndpoint)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("identity: PLC register %s returned %d: %s", did, resp.StatusCode, string(respBody))
}

// lastOpEnvelope is the shape of a did:plc directory log entry, used
// to read the prior operation's CID so a follow-up op can chain to it.
type lastOpEnvelope struct {
	CID string `json:"cid"`
}

// fetchLastOpCID fetches the CID of the most recent operation in a
// DID's PLC log, which every update/tombstone op must set as its prev.
func fetchLastOpCID(ctx context.Context, plcEndpoint, did string) (string, error) {
	url := plcEndpoint + "/" + did + "/log/last"
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", fmt.Errorf("identity: create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("identity: read last op: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("identity: last op %s returned %d: %s", did, resp.StatusCode, string(body))
	}

	var env lastOpEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("identity: decode last op: %w", err)
	}
	if env.CID == "" {
		return "", fmt.Errorf("identity: empty last op cid for %s", did)
	}
	return env.CID, nil
}

// submitSignedOp POSTs a fully-signed operation payload to the PLC
// directory at /<did>, shared by the update and tombstone ops
// (RegisterDID posts its genesis payload itself).
func submitSignedOp(ctx context.Context, plcEndpoint, did string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("identity: marshal plc op: %w", err)
	}

	url := plcEndpoint + "/" + did
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("identity: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("identity: POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("identity: PLC submit %s returned %d: %s", did, resp.StatusCode, string(respBody))
}

// ResolveDID fetches the current DID document for did from the PLC
// directory (spec §4.3 resolve_did).
func ResolveDID(ctx context.Context, plcEndpoint, did string) (map[string]any, error) {
	url := plcEndpoint + "/" + did
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("identity: read did doc: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("identity: did not found: %s", did)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("identity: resolve %s returned %d: %s", did, resp.StatusCode, string(body))
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("identity: decode did doc: %w", err)
	}
	return doc, nil
}

// buildAndSubmitOp fetches the chain head, builds a PLC operation with
// the given fields, signs it with signingKeyMultibase, and submits it.
// Shared by UpdateHandle/UpdatePDS/RotateSigningKey, which differ only
// in which field of the operation they change.
func buildAndSubmitOp(ctx context.Context, plcEndpoint, did string, op *account.PLCOperation, signingKeyMultibase string) error {
	prevCID, err := fetchLastOpCID(ctx, plcEndpoint, did)
	if err != nil {
		return fmt.Errorf("identity: fetch last op: %w", err)
	}
	op.Prev = &prevCID

	sig, err := account.SignPLCOperation(op, signingKeyMultibase)
	if err != nil {
		return fmt.Errorf("identity: sign plc op: %w", err)
	}

	payload := map[string]any{
		"type":                op.Type,
		"rotationKeys":        op.RotationKeys,
		"verificationMethods": op.VerificationMethod,
		"alsoKnownAs":         op.AlsoKnownAs,
		"services":            op.Services,
		"prev":                prevCID,
		"sig":                 sig,
	}
	if err := submitSignedOp(ctx, plcEndpoint, did, payload); err != nil {
		return err
	}
	log.Printf("PLC op %s submitted for %s", op.Type, did)
	return nil
}

// UpdateHandle rewrites a DID's alsoKnownAs to reflect a new handle
// (spec §4.3 update_handle), chaining off the directory's last op.
func UpdateHandle(ctx context.Context, plcEndpoint, did, newHandle string, rotationKeys []string, atprotoDIDKey, pdsEndpoint, signingKeyMultibase string) error {
	op := &account.PLCOperation{
		Type:               "plc_operation",
		RotationKeys:       rotationKeys,
		VerificationMethod: account.PLCVerify{Atproto: atprotoDIDKey},
		AlsoKnownAs:        []string{"at://" + newHandle},
		Services: account.PLCService{
			AtprotoPDS: account.PLCEndpoint{Type: "AtprotoPersonalDataServer", Endpoint: pdsEndpoint},
		},
	}
	return buildAndSubmitOp(ctx, plcEndpoint, did, op, signingKeyMultibase)
}

// UpdatePDS rewrites a DID's service endpoint to point at a new PDS
// (spec §4.3 update_pds) — used when an account migrates hosts.
func UpdatePDS(ctx context.Context, plcEndpoint, did, newPDSEndpoint string, rotationKeys []string, atprotoDIDKey, handle, signingKeyMultibase string) error {
	op := &account.PLCOperation{
		Type:               "plc_operation",
		RotationKeys:       rotationKeys,
		VerificationMethod: account.PLCVerify{Atproto: atprotoDIDKey},
		AlsoKnownAs:        []string{"at://" + handle},
		Services: account.PLCService{
			AtprotoPDS: account.PLCEndpoint{Type: "AtprotoPersonalDataServer", Endpoint: newPDSEndpoint},
		},
	}
	return buildAndSubmitOp(ctx, plcEndpoint, did, op, signingKeyMultibase)
}

// RotateSigningKey replaces a DID's atproto verification method with a
// new key (spec §4.3 rotate_signing_key). The operation is signed with
// a rotation key, not the (about-to-be-replaced) old signing key.
func RotateSigningKey(ctx context.Context, plcEndpoint, did, newAtprotoDIDKey string, rotationKeys []string, handle, pdsEndpoint, rotationSigningKeyMultibase string) error {
	op := &account.PLCOperation{
		Type:               "plc_operation",
		RotationKeys:       rotationKeys,
		VerificationMethod: account.PLCVerify{Atproto: newAtprotoDIDKey},
		AlsoKnownAs:        []string{"at://" + handle},
		Services: account.PLCService{
			AtprotoPDS: account.PLCEndpoint{Type: "AtprotoPersonalDataServer", Endpoint: pdsEndpoint},
		},
	}
	return buildAndSubmitOp(ctx, plcEndpoint, did, op, rotationSigningKeyMultibase)
}

// Tombstone permanently revokes a DID (spec §4.3 tombstone), submitted
// as the terminal entry in its PLC operation log. Irreversible.
func Tombstone(ctx context.Context, plcEndpoint, did, rotationSigningKeyMultibase string) error {
	prevCID, err := fetchLastOpCID(ctx, plcEndpoint, did)
	if err != nil {
		return fmt.Errorf("identity: fetch last op: %w", err)
	}

	t := &account.PLCTombstone{Type: "plc_tombstone", Prev: prevCID}
	sig, err := account.SignPLCTombstone(t, rotationSigningKeyMultibase)
	if err != nil {
		return fmt.Errorf("identity: sign tombstone: %w", err)
	}

	payload := map[string]any{
		"type": t.Type,
		"prev": t.Prev,
		"sig":  sig,
	}
	if err := submitSignedOp(ctx, plcEndpoint, did, payload); err != nil {
		return err
	}
	log.Printf("PLC tombstone submitted for %s", did)
	return nil
}

// AnnounceToRelay sends a requestCrawl to a relay so it discovers this PDS.
func AnnounceToRelay(ctx context.Context, relayURL, serviceURL string) error {
	payload, _ := json.Marshal(map[string]string{
		"hostname": serviceURL,
	})

	url := relayURL + "/xrpc/com.atproto.sync.requestCrawl"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("identity: create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("identity: announce to relay %s: %w", relayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Printf("Relay announcement accepted: %s -> %s", serviceURL, relayURL)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	log.Printf("Relay announcement to %s returned %d: %s", relayURL, resp.StatusCode, string(respBody))
	return nil
}
