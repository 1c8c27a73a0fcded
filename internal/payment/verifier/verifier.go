// Package verifier authenticates inbound processor notifications. No event
// is dispatched past this boundary without a valid signature.
package verifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/makerstall/atelier/internal/payment/domain"
)

// SignatureHeader carries the processor's timestamped HMAC scheme:
// "t=<unix>,v1=<hex hmac>", possibly with several v1 entries during secret
// rotation.
const SignatureHeader = "Processor-Signature"

type Verifier struct {
	secret    string
	source    string
	tolerance time.Duration
	now       func() time.Time
}

func New(source, secret string, tolerance time.Duration) *Verifier {
	return &Verifier{
		secret:    strings.TrimSpace(secret),
		source:    source,
		tolerance: tolerance,
		now:       time.Now,
	}
}

// Verify authenticates the payload and deserializes it into a typed event.
func (v *Verifier) Verify(payload []byte, headers http.Header) (*domain.PaymentEvent, error) {
	if v.secret == "" {
		return nil, domain.ErrMissingSecret
	}

	sigHeader := strings.TrimSpace(headers.Get(SignatureHeader))
	if sigHeader == "" {
		return nil, domain.ErrMissingSignature
	}

	timestamp, signatures, err := parseSignature(sigHeader)
	if err != nil {
		return nil, domain.ErrInvalidSignature
	}

	issuedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, domain.ErrInvalidSignature
	}
	if v.tolerance > 0 {
		age := v.now().UTC().Sub(time.Unix(issuedAt, 0))
		if age < 0 {
			age = -age
		}
		if age > v.tolerance {
			return nil, domain.ErrSignatureExpired
		}
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(v.secret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	matched := false
	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			matched = true
		}
	}
	if !matched {
		return nil, domain.ErrInvalidSignature
	}

	return v.parse(payload)
}

func (v *Verifier) parse(payload []byte) (*domain.PaymentEvent, error) {
	var envelope struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Account string `json:"account"`
		Created int64  `json:"created"`
		Data    struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(envelope.ID) == "" || strings.TrimSpace(envelope.Type) == "" {
		return nil, domain.ErrInvalidEvent
	}

	occurredAt := time.Now().UTC()
	if envelope.Created > 0 {
		occurredAt = time.Unix(envelope.Created, 0).UTC()
	}

	return &domain.PaymentEvent{
		ID:         envelope.ID,
		Type:       strings.TrimSpace(envelope.Type),
		Source:     v.source,
		AccountID:  strings.TrimSpace(envelope.Account),
		OccurredAt: occurredAt,
		Object:     envelope.Data.Object,
		RawPayload: payload,
	}, nil
}

func parseSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}
