// Package providertest runs an in-process Moneroo and PayDunya simulator
// for tests. Payments live in memory; failures and latency are scripted.
package providertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Payment is the simulator's record of one provider-side payment. Status
// is in the provider's own vocabulary.
type Payment struct {
	ID       string
	Provider string
	Status   string
	Amount   int64
	Currency string
	Method   string
	Metadata map[string]string
}

// Server serves both providers from one httptest server.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	payments map[string]*Payment
	failures []int
	latency  time.Duration
	requests map[string]int
	seq      int
}

// Credentials the simulator accepts.
const (
	MonerooSecret      = "sk_test_moneroo"
	PayDunyaMasterKey  = "master_test"
	PayDunyaPrivateKey = "private_test"
	PayDunyaToken      = "token_test"
)

func New() *Server {
	s := &Server{
		payments: make(map[string]*Payment),
		requests: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/payments/initialize", s.monerooInitialize)
	mux.HandleFunc("GET /v1/payments/{id}/verify", s.monerooVerify)
	mux.HandleFunc("POST /v1/payments/{id}/refund", s.monerooRefund)
	mux.HandleFunc("POST /v1/payments/{id}/cancel", s.monerooCancel)
	mux.HandleFunc("POST /checkout-invoice/create", s.paydunyaCreate)
	mux.HandleFunc("GET /checkout-invoice/confirm/{token}", s.paydunyaConfirm)
	mux.HandleFunc("POST /checkout-invoice/refund", s.paydunyaRefund)
	mux.HandleFunc("POST /checkout-invoice/cancel", s.paydunyaCancel)
	s.Server = httptest.NewServer(s.intercept(mux))
	return s
}

// FailNext makes the next n requests answer with status.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, status)
	}
}

// SetLatency delays every response.
func (s *Server) SetLatency(d time.Duration) {
	s.mu.Lock()
	s.latency = d
	s.mu.Unlock()
}

// AddPayment seeds a payment.
func (s *Server) AddPayment(p Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.payments[p.ID] = &cp
}

// SetStatus changes a payment as if the customer acted on the provider page.
func (s *Server) SetStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[id]; ok {
		p.Status = status
	}
}

func (s *Server) SetAmount(id string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.payments[id]; ok {
		p.Amount = amount
	}
}

func (s *Server) Payment(id string) (Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, false
	}
	return *p, true
}

// Requests counts requests whose path starts with prefix.
func (s *Server) Requests(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for path, c := range s.requests {
		if strings.HasPrefix(path, prefix) {
			n += c
		}
	}
	return n
}

func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.URL.Path]++
		latency := s.latency
		var fail int
		if len(s.failures) > 0 {
			fail = s.failures[0]
			s.failures = s.failures[1:]
		}
		s.mu.Unlock()

		if latency > 0 {
			select {
			case <-time.After(latency):
			case <-r.Context().Done():
				return
			}
		}
		if fail != 0 {
			if fail == http.StatusTooManyRequests {
				w.Header().Set("Retry-After", "1")
			}
			writeJSON(w, fail, map[string]interface{}{"message": "simulated failure"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) nextID(prefix string) string {
	s.seq++
	return fmt.Sprintf("%s_%06d", prefix, s.seq)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	return json.Unmarshal(body, v)
}

// Moneroo

func (s *Server) monerooAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Authorization") != "Bearer "+MonerooSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "message": "Unauthenticated."})
		return false
	}
	return true
}

func (s *Server) monerooInitialize(w http.ResponseWriter, r *http.Request) {
	if !s.monerooAuthorized(w, r) {
		return
	}
	var req struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Customer struct {
			Email string `json:"email"`
		} `json:"customer"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"message": "invalid JSON body"})
		return
	}
	if req.Amount <= 0 || req.Customer.Email == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "The given data was invalid.",
			"errors":  map[string][]string{"amount": {"must be positive"}},
		})
		return
	}

	s.mu.Lock()
	id := s.nextID("py")
	s.payments[id] = &Payment{ID: id, Provider: "moneroo", Status: "initiated", Amount: req.Amount, Currency: req.Currency, Metadata: req.Metadata}
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Transaction initialized successfully.",
		"data": map[string]interface{}{
			"id":           id,
			"checkout_url": "https://checkout.moneroo.test/" + id,
		},
	})
}

func (s *Server) monerooVerify(w http.ResponseWriter, r *http.Request) {
	if !s.monerooAuthorized(w, r) {
		return
	}
	p, ok := s.Payment(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"message": "Payment not found."})
		return
	}
	data := map[string]interface{}{
		"id":       p.ID,
		"status":   p.Status,
		"amount":   p.Amount,
		"currency": map[string]string{"code": p.Currency},
	}
	if p.Method != "" {
		data["method"] = map[string]string{"name": p.Method}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Payment fetched.", "data": data})
}

func (s *Server) monerooRefund(w http.ResponseWriter, r *http.Request) {
	if !s.monerooAuthorized(w, r) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"message": "Payment not found."})
		return
	}
	if p.Status != "success" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"message": "Only successful payments can be refunded."})
		return
	}
	p.Status = "refunded"
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Refund initiated.",
		"data":    map[string]interface{}{"id": s.nextID("rf"), "status": "pending"},
	})
}

func (s *Server) monerooCancel(w http.ResponseWriter, r *http.Request) {
	if !s.monerooAuthorized(w, r) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[r.PathValue("id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"message": "Payment not found."})
		return
	}
	if p.Status != "initiated" && p.Status != "pending" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"message": "Payment can no longer be cancelled."})
		return
	}
	p.Status = "cancelled"
	writeJSON(w, http.StatusOK, map[string]interface{}{"message": "Payment cancelled.", "data": map[string]string{"id": p.ID}})
}

// PayDunya

func (s *Server) paydunyaAuthorized(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("PAYDUNYA-MASTER-KEY") != PayDunyaMasterKey ||
		r.Header.Get("PAYDUNYA-PRIVATE-KEY") != PayDunyaPrivateKey ||
		r.Header.Get("PAYDUNYA-TOKEN") != PayDunyaToken {
		writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"response_code": "1001", "response_text": "Invalid API keys"})
		return false
	}
	return true
}

func (s *Server) paydunyaCreate(w http.ResponseWriter, r *http.Request) {
	if !s.paydunyaAuthorized(w, r) {
		return
	}
	var req struct {
		Invoice struct {
			TotalAmount int64 `json:"total_amount"`
		} `json:"invoice"`
		CustomData map[string]string `json:"custom_data"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"response_code": "4000", "response_text": "invalid JSON body"})
		return
	}
	// PayDunya reports business failures with HTTP 200.
	if req.Invoice.TotalAmount <= 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"response_code": "1002", "response_text": "Invoice total amount is invalid"})
		return
	}

	s.mu.Lock()
	token := s.nextID("test")
	currency := req.CustomData["currency"]
	if currency == "" {
		currency = "XOF"
	}
	s.payments[token] = &Payment{ID: token, Provider: "paydunya", Status: "pending", Amount: req.Invoice.TotalAmount, Currency: currency, Metadata: req.CustomData}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"response_code": "00",
		"response_text": "https://app.paydunya.test/sandbox-checkout/invoice/" + token,
		"description":   "Checkout Invoice Created",
		"token":         token,
	})
}

func (s *Server) paydunyaConfirm(w http.ResponseWriter, r *http.Request) {
	if !s.paydunyaAuthorized(w, r) {
		return
	}
	p, ok := s.Payment(r.PathValue("token"))
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"response_code": "1004", "response_text": "Invoice not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"response_code": "00",
		"response_text": "Transaction Found",
		"status":        p.Status,
		"currency":      p.Currency,
		"invoice":       map[string]interface{}{"token": p.ID, "total_amount": p.Amount},
		"customer":      map[string]interface{}{"payment_method": p.Method},
	})
}

func (s *Server) paydunyaToken(w http.ResponseWriter, r *http.Request) (*Payment, bool) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"response_code": "4000", "response_text": "invalid JSON body"})
		return nil, false
	}
	p, ok := s.payments[req.Token]
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"response_code": "1004", "response_text": "Invoice not found"})
		return nil, false
	}
	return p, true
}

func (s *Server) paydunyaRefund(w http.ResponseWriter, r *http.Request) {
	if !s.paydunyaAuthorized(w, r) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paydunyaToken(w, r)
	if !ok {
		return
	}
	if p.Status != "completed" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"response_code": "1005", "response_text": "Invoice is not refundable"})
		return
	}
	p.Status = "refunded"
	writeJSON(w, http.StatusOK, map[string]interface{}{"response_code": "00", "refund_id": s.nextID("rf"), "status": "pending"})
}

func (s *Server) paydunyaCancel(w http.ResponseWriter, r *http.Request) {
	if !s.paydunyaAuthorized(w, r) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.paydunyaToken(w, r)
	if !ok {
		return
	}
	if p.Status != "pending" {
		writeJSON(w, http.StatusOK, map[string]interface{}{"response_code": "1006", "response_text": "Invoice can no longer be cancelled"})
		return
	}
	p.Status = "cancelled"
	writeJSON(w, http.StatusOK, map[string]interface{}{"response_code": "00", "response_text": "Invoice cancelled"})
}
