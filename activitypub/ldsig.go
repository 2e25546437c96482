package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	_ "embed"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/piprate/json-gold/ld"
)

// Linked Data Signatures (RsaSignature2017), used by peers that embed the
// signature inside the document instead of (or in addition to) signing the
// HTTP request.

const (
	ldSignatureType = "RsaSignature2017"
	securityContext = "https://w3id.org/security/v1"
)

// LDSignature is the signature block embedded in a signed document.
type LDSignature struct {
	Type           string `json:"type"`
	Creator        string `json:"creator"`
	Created        string `json:"created"`
	SignatureValue string `json:"signatureValue"`
}

// SignDocument computes an RsaSignature2017 block over the document.
// The document must not already contain a "signature" field.
func SignDocument(document map[string]interface{}, privateKey *rsa.PrivateKey, creator string) (*LDSignature, error) {
	created := time.Now().UTC().Format(time.RFC3339)

	toBeSigned, err := ldSigningInput(document, creator, created)
	if err != nil {
		return nil, err
	}

	hashed := sha256.Sum256(toBeSigned)
	sig, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign document: %w", err)
	}

	return &LDSignature{
		Type:           ldSignatureType,
		Creator:        creator,
		Created:        created,
		SignatureValue: base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// VerifyDocument checks the embedded signature of a document. The document
// is not modified. Unknown signature types return ErrVerificationFormat,
// a failing cryptographic check returns ErrVerification.
func VerifyDocument(document map[string]interface{}, publicKey *rsa.PublicKey) error {
	sigField, ok := document["signature"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: document carries no signature", ErrVerificationFormat)
	}

	sigType, _ := sigField["type"].(string)
	if sigType != ldSignatureType {
		return fmt.Errorf("%w: signature type %q", ErrVerificationFormat, sigType)
	}
	creator, _ := sigField["creator"].(string)
	created, _ := sigField["created"].(string)
	sigValue, _ := sigField["signatureValue"].(string)
	if sigValue == "" {
		return fmt.Errorf("%w: signature carries no signatureValue", ErrVerificationFormat)
	}

	sig, err := base64.StdEncoding.DecodeString(sigValue)
	if err != nil {
		return fmt.Errorf("%w: signatureValue is not valid base64", ErrVerificationFormat)
	}

	// The signature covers the document without its signature field.
	stripped := make(map[string]interface{}, len(document))
	for k, v := range document {
		if k != "signature" {
			stripped[k] = v
		}
	}

	toBeSigned, err := ldSigningInput(stripped, creator, created)
	if err != nil {
		return err
	}

	hashed := sha256.Sum256(toBeSigned)
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hashed[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}

	return nil
}

// ldSigningInput builds the byte string an RsaSignature2017 signature
// covers: the canonicalization hash of the options document concatenated
// with the canonicalization hash of the document itself. Canonical RDF
// normalization (URDNA2015) keeps this stable under key reordering and
// whitespace changes, which naive JSON serialization would not.
func ldSigningInput(document map[string]interface{}, creator, created string) ([]byte, error) {
	options := map[string]interface{}{
		"@context": securityContext,
		"creator":  creator,
		"created":  created,
	}

	optionsHash, err := canonicalHash(options)
	if err != nil {
		return nil, err
	}
	documentHash, err := canonicalHash(document)
	if err != nil {
		return nil, err
	}

	return []byte(optionsHash + documentHash), nil
}

// The security/v1 context is served from an embedded copy; any other
// context referenced by a document still goes to the network.
//
//go:embed security_v1_context.json
var securityV1Context string

type contextLoader struct {
	fallback ld.DocumentLoader
}

func (l *contextLoader) LoadDocument(u string) (*ld.RemoteDocument, error) {
	if strings.TrimSuffix(u, "/") == securityContext {
		var doc interface{}
		if err := json.Unmarshal([]byte(securityV1Context), &doc); err != nil {
			return nil, err
		}
		return &ld.RemoteDocument{DocumentURL: u, Document: doc}, nil
	}
	return l.fallback.LoadDocument(u)
}

var ldLoader = &contextLoader{
	fallback: ld.NewDefaultDocumentLoader(&http.Client{Timeout: fetchTimeout}),
}

func canonicalHash(doc map[string]interface{}) (string, error) {
	proc := ld.NewJsonLdProcessor()
	opts := ld.NewJsonLdOptions("")
	opts.Format = "application/n-quads"
	opts.Algorithm = ld.AlgorithmURDNA2015
	opts.DocumentLoader = ldLoader

	normalized, err := proc.Normalize(doc, opts)
	if err != nil {
		return "", fmt.Errorf("%w: canonicalization failed: %v", ErrVerificationFormat, err)
	}

	nquads, ok := normalized.(string)
	if !ok {
		return "", fmt.Errorf("%w: unexpected canonicalization output", ErrVerificationFormat)
	}

	hash := sha256.Sum256([]byte(nquads))
	return hex.EncodeToString(hash[:]), nil
}
