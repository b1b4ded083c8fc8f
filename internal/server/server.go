// Package server is the HTTP front end of the wallet: it lets a UI start and cancel a
// presentment, show the engagement QR code and collect document selection and consent.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/kokukuma/mdoc-holder/engagement"
	"github.com/kokukuma/mdoc-holder/internal/app"
	"github.com/kokukuma/mdoc-holder/internal/display"
	"github.com/kokukuma/mdoc-holder/internal/log"
	"github.com/kokukuma/mdoc-holder/presentment"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const qrCodeSize = 256

type Server struct {
	app     *app.App
	display *display.Memory
	logger  *logrus.Entry
}

// NewServer serves a. display must be the Display the session of a was created with.
func NewServer(a *app.App, d *display.Memory) *Server {
	return &Server{
		app:     a,
		display: d,
		logger:  log.Module("server"),
	}
}

// Router returns the HTTP routes of the wallet.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	origins := s.app.Config.HTTP.CORSOrigin
	if len(origins) > 0 {
		r.Use(handlers.CORS(
			handlers.AllowedMethods([]string{"POST", "GET"}),
			handlers.AllowedHeaders([]string{"content-type"}),
			handlers.AllowedOrigins(origins),
		))
	}

	r.HandleFunc("/presentment/start", s.Start).Methods("POST", "OPTIONS")
	r.HandleFunc("/presentment/cancel", s.Cancel).Methods("POST", "OPTIONS")
	r.HandleFunc("/presentment/state", s.State).Methods("GET", "OPTIONS")
	r.HandleFunc("/presentment/engagement", s.Engagement).Methods("GET", "OPTIONS")
	r.HandleFunc("/presentment/engagement.png", s.EngagementQRCode).Methods("GET", "OPTIONS")
	r.HandleFunc("/presentment/selection", s.SelectDocument).Methods("POST", "OPTIONS")
	r.HandleFunc("/presentment/consent", s.Consent).Methods("POST", "OPTIONS")
	r.HandleFunc("/documents", s.Documents).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.HandlerFor(s.app.Registry, promhttp.HandlerOpts{})).Methods("GET")

	return handlers.CombinedLoggingHandler(s.logger.WriterLevel(logrus.DebugLevel), r)
}

type StateResponse struct {
	State      string      `json:"state"`
	Error      string      `json:"error,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

type Candidate struct {
	Index       int    `json:"index"`
	DisplayName string `json:"display_name"`
	DocType     string `json:"doc_type"`
	Reader      string `json:"reader"`
}

type EngagementResponse struct {
	URI    string `json:"uri"`
	QRCode string `json:"qrcode"`
}

type SelectionRequest struct {
	Index int `json:"index"`
}

type ConsentRequest struct {
	Approve bool `json:"approve"`
}

type Document struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	DocType     string `json:"doc_type"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) Start(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Session.Start(); err != nil {
		s.jsonErrorResponse(w, err)
		return
	}
	s.State(w, r)
}

func (s *Server) Cancel(w http.ResponseWriter, r *http.Request) {
	s.app.Session.Cancel()
	s.State(w, r)
}

func (s *Server) State(w http.ResponseWriter, _ *http.Request) {
	session := s.app.Session
	resp := StateResponse{State: session.State().String()}
	if err := session.Err(); err != nil {
		resp.Error = err.Error()
	}
	for i, c := range session.Candidates() {
		resp.Candidates = append(resp.Candidates, Candidate{
			Index:       i,
			DisplayName: c.DisplayName,
			DocType:     c.DocType,
			Reader:      c.Reader,
		})
	}
	jsonResponse(w, resp, http.StatusOK)
}

func (s *Server) Engagement(w http.ResponseWriter, _ *http.Request) {
	current := s.display.Current()
	if current == nil {
		s.jsonErrorResponse(w, errNoEngagement)
		return
	}
	png, err := display.QRCode(current, qrCodeSize)
	if err != nil {
		s.jsonErrorResponse(w, err)
		return
	}
	jsonResponse(w, EngagementResponse{
		URI:    engagement.ToURI(current),
		QRCode: base64.StdEncoding.EncodeToString(png),
	}, http.StatusOK)
}

func (s *Server) EngagementQRCode(w http.ResponseWriter, _ *http.Request) {
	current := s.display.Current()
	if current == nil {
		s.jsonErrorResponse(w, errNoEngagement)
		return
	}
	png, err := display.QRCode(current, qrCodeSize)
	if err != nil {
		s.jsonErrorResponse(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

func (s *Server) SelectDocument(w http.ResponseWriter, r *http.Request) {
	var req SelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErrorResponse(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.app.Session.SelectDocument(req.Index); err != nil {
		s.jsonErrorResponse(w, err)
		return
	}
	s.State(w, r)
}

func (s *Server) Consent(w http.ResponseWriter, r *http.Request) {
	var req ConsentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonErrorResponse(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := s.app.Session.Consent(req.Approve); err != nil {
		s.jsonErrorResponse(w, err)
		return
	}
	s.State(w, r)
}

func (s *Server) Documents(w http.ResponseWriter, _ *http.Request) {
	docs := []Document{}
	for _, d := range s.app.Store.List() {
		docs = append(docs, Document{ID: d.ID, DisplayName: d.DisplayName, DocType: string(d.DocType)})
	}
	jsonResponse(w, docs, http.StatusOK)
}

var (
	errNoEngagement = errors.New("no engagement is shown")
	errBadRequest   = errors.New("bad request")
)

func statusCode(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, presentment.ErrInvalidSelection):
		return http.StatusBadRequest
	case errors.Is(err, errNoEngagement):
		return http.StatusNotFound
	case errors.Is(err, presentment.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, presentment.ErrSessionClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(w http.ResponseWriter, d interface{}, c int) {
	dj, err := json.Marshal(d)
	if err != nil {
		http.Error(w, "Error creating JSON response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(c)
	fmt.Fprintf(w, "%s", dj)
}

func (s *Server) jsonErrorResponse(w http.ResponseWriter, e error) {
	c := statusCode(e)
	if c == http.StatusInternalServerError {
		s.logger.WithError(e).Error("Request failed")
	}
	jsonResponse(w, ErrorResponse{Error: e.Error()}, c)
}
