package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/soyeahso/gia/internal/domain"
)

// Header names carried by every delivery.
const (
	HeaderSignature = "x-webhook-signature"
	HeaderTimestamp = "x-webhook-timestamp"
)

// maxBodyBytes bounds inbound bodies read by VerifyRequest.
const maxBodyBytes = 1 << 20

// Encode renders ev as compact JSON with every object's keys sorted and
// without HTML escaping. The result is the exact byte string that is signed
// and sent.
func Encode(ev domain.WebhookEvent) ([]byte, error) {
	payload, err := normalize(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("normalize payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]any{
		"event_type": ev.EventType,
		"project_id": ev.ProjectID,
		"payload":    payload,
		"timestamp":  ev.Timestamp,
	}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// normalize turns structs nested anywhere in v into maps so the encoder
// sorts their keys too.
func normalize(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body and timestamp under secret.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(Sign(secret, timestamp, body))
	return hmac.Equal(got, want)
}

// VerifyRequest reads r's body and checks its signature headers. When
// maxSkew is positive the timestamp must also lie within maxSkew of now.
// The body is returned so the caller can decode it.
func VerifyRequest(r *http.Request, secret string, maxSkew time.Duration, now time.Time) ([]byte, error) {
	sig := r.Header.Get(HeaderSignature)
	ts := r.Header.Get(HeaderTimestamp)
	if sig == "" || ts == "" {
		return nil, &domain.ValidationError{Field: "signature", Message: "missing webhook signature headers"}
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if !Verify(secret, ts, body, sig) {
		return nil, &domain.ValidationError{Field: "signature", Message: "signature mismatch"}
	}
	if maxSkew > 0 {
		sent, err := time.Parse(domain.WebhookTimeFormat, ts)
		if err != nil {
			return nil, &domain.ValidationError{Field: "timestamp", Message: "malformed timestamp"}
		}
		if d := now.Sub(sent); d > maxSkew || d < -maxSkew {
			return nil, &domain.ValidationError{Field: "timestamp", Message: "timestamp outside allowed skew"}
		}
	}
	return body, nil
}
