package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tjfontaine/credit-desk/internal/credit"
	"github.com/tjfontaine/credit-desk/internal/domain"
	"github.com/tjfontaine/credit-desk/internal/storage"
)

// maxBody caps request bodies.
const maxBody = 1 << 20

var clientValidator = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ErrorResponse is the body of every non-decision failure.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
}

// ListResponse wraps collection endpoints.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

func (s *Server) handleLoanRequest(w http.ResponseWriter, r *http.Request) {
	var req domain.LoanRequest
	if err := decodeBody(w, r, &req); err != nil {
		AddError(r.Context(), err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	resp := s.deps.Decider.HandleRequest(r.Context(), req)
	AddLogField(r.Context(), "decision", string(resp.Status))
	AddLogField(r.Context(), "protocol", resp.Protocol)
	writeJSON(w, decisionStatus(resp), resp)
}

// decisionStatus maps a decision to an HTTP status. Approvals and denials are
// both successful evaluations.
func decisionStatus(resp domain.Response) int {
	if resp.Status != domain.StatusError {
		return http.StatusOK
	}
	if resp.Details["rule"] == domain.RuleIncomplete {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Applications.ListApplications(r.Context())
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	if cpf := r.URL.Query().Get("cpf"); cpf != "" {
		cpf = credit.NormalizeCPF(cpf)
		filtered := entries[:0:0]
		for _, e := range entries {
			if e.CPF == cpf {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, ListResponse[domain.AuditLogEntry]{Data: entries, Count: len(entries)})
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.deps.Clients.ListClients(r.Context())
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ListResponse[domain.Client]{Data: clients, Count: len(clients)})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	cpf := credit.NormalizeCPF(chi.URLParam(r, "cpf"))
	c, err := s.deps.Clients.LookupClient(r.Context(), cpf)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	c, ok := s.readClient(w, r)
	if !ok {
		return
	}
	c.ID = 0
	created, err := s.deps.Clients.AppendClient(r.Context(), c)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	AddLogField(r.Context(), "cpf", created.CPF)
	w.Header().Set("Location", "/v1/clients/"+created.CPF)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	cpf := credit.NormalizeCPF(chi.URLParam(r, "cpf"))
	c, ok := s.readClient(w, r)
	if !ok {
		return
	}
	if err := s.deps.Clients.UpdateClient(r.Context(), cpf, c); err != nil {
		s.storageError(w, r, err)
		return
	}
	updated, err := s.deps.Clients.LookupClient(r.Context(), c.CPF)
	if err != nil {
		s.storageError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// readClient decodes, normalises and validates a client body. It writes the
// 400 itself and reports false on failure.
func (s *Server) readClient(w http.ResponseWriter, r *http.Request) (domain.Client, bool) {
	var c domain.Client
	if err := decodeBody(w, r, &c); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return c, false
	}
	c.CPF = credit.NormalizeCPF(c.CPF)
	c.Name = strings.TrimSpace(c.Name)

	if err := clientValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		fields := []string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid client", Fields: fields})
		return c, false
	}
	if !credit.ValidCPF(c.CPF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid client", Fields: []string{"cpf"}})
		return c, false
	}
	return c, true
}

func (s *Server) storageError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "client not found"})
	case errors.Is(err, storage.ErrDuplicate):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: "client already registered"})
	default:
		s.logger.Error("storage failure", "request_id", GetRequestID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "storage unavailable"})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
