// Command webhook-receiver is a local endpoint for gengate webhooks. It
// verifies the HMAC signature of every delivery, tracks redeliveries by
// delivery id and can fail the first attempts of each delivery to exercise
// the relay's retry path.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerSignature = "X-Gengate-Signature"
	headerEvent     = "X-Gengate-Event"
	headerDelivery  = "X-Gengate-Delivery"
	signaturePrefix = "sha256="
)

type delivery struct {
	Timestamp  string `json:"timestamp"`
	DeliveryID string `json:"delivery_id"`
	Event      string `json:"event"`
	Attempt    int    `json:"attempt"`
	Verified   bool   `json:"verified"`
	Status     int    `json:"status"`
	Body       string `json:"body"`
}

type stats struct {
	Received       int64      `json:"received"`
	Rejected       int64      `json:"rejected"`
	Redeliveries   int64      `json:"redeliveries"`
	UniqueDelivery int        `json:"unique_deliveries"`
	LastDeliveries []delivery `json:"last_deliveries"`
	Since          string     `json:"since"`
}

type receiver struct {
	secret    string
	failFirst int

	mu       sync.Mutex
	received int64
	rejected int64
	redelivs int64
	attempts map[string]int
	last     []delivery
	since    time.Time
}

const maxStored = 50

func main() {
	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	failFirst, _ := strconv.Atoi(os.Getenv("FAIL_FIRST"))

	rcv := newReceiver(os.Getenv("WEBHOOK_SECRET"), failFirst)
	if rcv.secret == "" {
		log.Println("webhook-receiver: WEBHOOK_SECRET not set; signatures are not checked")
	}

	log.Printf("webhook-receiver listening on %s (fail_first=%d)", addr, failFirst)
	log.Fatal(http.ListenAndServe(addr, rcv.routes()))
}

func newReceiver(secret string, failFirst int) *receiver {
	return &receiver{
		secret:    secret,
		failFirst: failFirst,
		attempts:  make(map[string]int),
		since:     time.Now().UTC(),
	}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", rc.hook)
	mux.HandleFunc("/stats", rc.stats)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/reset", func(w http.ResponseWriter, _ *http.Request) {
		rc.mu.Lock()
		rc.received, rc.rejected, rc.redelivs = 0, 0, 0
		rc.attempts = make(map[string]int)
		rc.last = nil
		rc.since = time.Now().UTC()
		rc.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})
	return mux
}

func (rc *receiver) hook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	verified := rc.secret == "" || verify(rc.secret, body, r.Header.Get(headerSignature))
	deliveryID := r.Header.Get(headerDelivery)

	rc.mu.Lock()
	rc.received++
	rc.attempts[deliveryID]++
	attempt := rc.attempts[deliveryID]
	if attempt > 1 {
		rc.redelivs++
	}

	status := http.StatusOK
	switch {
	case !verified:
		rc.rejected++
		status = http.StatusUnauthorized
	case attempt <= rc.failFirst:
		status = http.StatusServiceUnavailable
	}

	rc.last = append(rc.last, delivery{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		DeliveryID: deliveryID,
		Event:      r.Header.Get(headerEvent),
		Attempt:    attempt,
		Verified:   verified,
		Status:     status,
		Body:       string(body),
	})
	if len(rc.last) > maxStored {
		rc.last = rc.last[len(rc.last)-maxStored:]
	}
	rc.mu.Unlock()

	log.Printf("hook %s delivery=%s attempt=%d verified=%t status=%d",
		r.Header.Get(headerEvent), deliveryID, attempt, verified, status)
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"attempt":%d}`, attempt)
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	s := stats{
		Received:       rc.received,
		Rejected:       rc.rejected,
		Redeliveries:   rc.redelivs,
		UniqueDelivery: len(rc.attempts),
		LastDeliveries: append([]delivery(nil), rc.last...),
		Since:          rc.since.Format(time.RFC3339),
	}
	rc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

// verify checks an X-Gengate-Signature header against the raw body.
func verify(secret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
