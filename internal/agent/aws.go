package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// AWSEndpointConfig optionally turns an APIAgent's HTTP calls into
// SigV4-signed requests against an AWS-hosted model endpoint (e.g. a
// Bedrock-fronted coding assistant), resolving credentials from the
// default provider chain instead of a caller-supplied APIKey.
type AWSEndpointConfig struct {
	Region  string
	Service string
}

// awsSigningTransport wraps an http.RoundTripper, signing each request
// with SigV4 using cached, auto-refreshed credentials.
//
// Grounded on the teacher's internal/operation/transport.AWSTransport:
// same credential caching and GetCallerIdentity validation shape,
// generalized from a full bespoke AWS-call Transport type down to a
// single http.RoundTripper decorator so it composes with the rest of
// the APIAgent's plain net/http path instead of replacing it.
type awsSigningTransport struct {
	next    http.RoundTripper
	cfg     AWSEndpointConfig
	awsCfg  aws.Config
	signer  *v4.Signer
	mu      sync.RWMutex
	creds   aws.Credentials
	expires time.Time
}

// newAWSSigningTransport loads AWS credentials from the default chain
// and validates them with STS GetCallerIdentity before returning.
func newAWSSigningTransport(ctx context.Context, cfg AWSEndpointConfig, next http.RoundTripper) (*awsSigningTransport, error) {
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	awsCfg, err := config.LoadDefaultConfig(loadCtx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	t := &awsSigningTransport{next: next, cfg: cfg, awsCfg: awsCfg, signer: v4.NewSigner()}
	if err := t.refreshCredentials(loadCtx); err != nil {
		return nil, err
	}

	stsClient := sts.NewFromConfig(awsCfg)
	valCtx, valCancel := context.WithTimeout(ctx, 5*time.Second)
	defer valCancel()
	if _, err := stsClient.GetCallerIdentity(valCtx, &sts.GetCallerIdentityInput{}); err != nil {
		return nil, fmt.Errorf("validate AWS credentials: %w", err)
	}
	return t, nil
}

func (t *awsSigningTransport) refreshCredentials(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.expires.IsZero() && time.Now().Before(t.expires) {
		return nil
	}
	creds, err := t.awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("retrieve AWS credentials: %w", err)
	}
	t.creds = creds
	t.expires = creds.Expires
	if t.expires.IsZero() || time.Until(t.expires) > time.Hour {
		t.expires = time.Now().Add(time.Hour)
	}
	return nil
}

func (t *awsSigningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.refreshCredentials(req.Context()); err != nil {
		return nil, err
	}

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body for signing: %w", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	hash := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(hash[:])
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	t.mu.RLock()
	creds := t.creds
	t.mu.RUnlock()

	if err := t.signer.SignHTTP(req.Context(), creds, req, payloadHash, t.cfg.Service, t.cfg.Region, time.Now()); err != nil {
		return nil, fmt.Errorf("sign AWS request: %w", err)
	}

	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}
