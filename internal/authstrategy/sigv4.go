package authstrategy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"

	"github.com/faucetdb/sluice/internal/model"
)

const (
	// UnsignedPayload is the payload hash used when payload signing is off.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// maxSignedPayload bounds how much body is buffered for hashing.
	maxSignedPayload = 10 * 1024 * 1024

	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// Default secret reference names for SigV4 credentials.
const (
	DefaultAccessKeyRef    = "access_key_id"
	DefaultSecretKeyRef    = "secret_access_key"
	DefaultSessionTokenRef = "session_token"
)

// SigV4Strategy signs requests with AWS Signature Version 4. The signing
// clock is injectable so that fixed inputs produce identical signatures.
//
// Signing must be the last mutation before the request is sent; any header
// change afterwards invalidates the signature.
type SigV4Strategy struct {
	signer *v4.Signer
	now    func() time.Time
}

// NewSigV4Strategy creates a signer. A nil now uses time.Now.
func NewSigV4Strategy(now func() time.Time) *SigV4Strategy {
	if now == nil {
		now = time.Now
	}
	return &SigV4Strategy{signer: v4.NewSigner(), now: now}
}

func (s *SigV4Strategy) Inject(req *http.Request, cfg model.AuthConfig, secrets Secrets) error {
	creds := aws.Credentials{
		AccessKeyID:     secrets[refOr(cfg.AccessKeySecret, DefaultAccessKeyRef)],
		SecretAccessKey: secrets[refOr(cfg.SecretKeySecret, DefaultSecretKeyRef)],
		SessionToken:    secrets[refOr(cfg.SessionTokenSecret, DefaultSessionTokenRef)],
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil
	}
	if cfg.Region == "" || cfg.Service == "" {
		return fmt.Errorf("sigv4: region and service are required")
	}

	payloadHash := UnsignedPayload
	if cfg.SignPayload {
		h, err := hashPayload(req)
		if err != nil {
			return fmt.Errorf("sigv4: hash payload: %w", err)
		}
		payloadHash = h
		req.Header.Set("X-Amz-Content-Sha256", payloadHash)
	}

	if err := s.signer.SignHTTP(req.Context(), creds, req, payloadHash, cfg.Service, cfg.Region, s.now().UTC()); err != nil {
		return fmt.Errorf("sigv4: sign request: %w", err)
	}
	return nil
}

// hashPayload reads and hashes the body, replacing it with an equivalent
// reader so the request can still be sent.
func hashPayload(req *http.Request) (string, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return emptyPayloadHash, nil
	}
	body, err := io.ReadAll(io.LimitReader(req.Body, maxSignedPayload+1))
	if err != nil {
		return "", err
	}
	if len(body) > maxSignedPayload {
		return "", fmt.Errorf("request body exceeds maximum signable size of %d bytes", maxSignedPayload)
	}
	_ = req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

func refOr(ref, def string) string {
	if ref == "" {
		return def
	}
	return ref
}
